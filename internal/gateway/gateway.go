// Package gateway implements the outer tool surface (spec §6):
// codeIntelligence, renameSymbol, getDiagnostics, applyEdit, and
// executeCommand. It composes internal/pool (to get a live backend for a
// language/workspace), internal/client (the backend's call surface), and
// internal/edit (workspace-edit validation, application, and rollback).
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"go.lsp.dev/protocol"
	"go.uber.org/zap"

	"github.com/conduit-lang/lspgateway/internal/client"
	"github.com/conduit-lang/lspgateway/internal/edit"
	"github.com/conduit-lang/lspgateway/internal/events"
	"github.com/conduit-lang/lspgateway/internal/lspproto"
	"github.com/conduit-lang/lspgateway/internal/pool"
)

// IntelKind is one of the three code-intelligence request shapes the outer
// surface accepts.
type IntelKind string

const (
	IntelHover      IntelKind = "hover"
	IntelSignature  IntelKind = "signature"
	IntelCompletion IntelKind = "completion"
)

// InvalidParamsError reports a caller mistake: mutually exclusive or
// missing fields (spec §7).
type InvalidParamsError struct {
	Reason string
}

func (e *InvalidParamsError) Error() string { return fmt.Sprintf("gateway: invalid params: %s", e.Reason) }

// Location identifies a position within a file.
type Location struct {
	Path      string
	Line      int
	Character int
}

// CodeIntelligenceRequest parameterizes a hover/signature/completion call.
type CodeIntelligenceRequest struct {
	Workspace  string
	Path       string
	Line       int
	Character  int
	Kind       IntelKind
	Context    json.RawMessage
	MaxResults int
}

// CodeIntelligenceResult is the raw backend response, left undecoded since
// its shape depends on Kind.
type CodeIntelligenceResult struct {
	Kind IntelKind
	Raw  json.RawMessage
}

// RenameRequest parameterizes a renameSymbol call. Exactly one of
// (Path+Line+Character) or Location-by-reference may be supplied by a
// caller; the gateway itself only ever sees the resolved triple.
type RenameRequest struct {
	Workspace string
	Path      string
	Line      int
	Character int
	NewName   string
}

// RenameResult reports the outcome of a renameSymbol call (spec §6).
type RenameResult struct {
	Summary             string
	FilesModified       []string
	OccurrencesReplaced int
	OriginalName        string
	Diff                string
}

// DiagnosticsRequest filters a getDiagnostics call.
type DiagnosticsRequest struct {
	Workspace       string
	URI             string
	Severity        string
	IncludeRelated  bool
	MaxResults      int
}

// DiagnosticsResult groups diagnostics per URI with a summary count.
type DiagnosticsResult struct {
	TotalCount int
	ByURI      map[string][]protocol.Diagnostic
}

// ApplyEditRequest carries a caller-supplied workspace edit plus the dryRun
// flag. It has no atomic flag: ApplyEdit always applies atomically.
type ApplyEditRequest struct {
	Workspace string
	Edit      edit.WorkspaceEdit
	DryRun    bool
}

// ApplyEditResult mirrors spec §6's applyEdit response shape.
type ApplyEditResult struct {
	Success           bool
	TransactionID     string
	FilesModified     []string
	TotalChanges      int
	Changes           []string
	RollbackPerformed bool
}

// ExecuteCommandRequest parameterizes an executeCommand call.
type ExecuteCommandRequest struct {
	Workspace string
	Language  string
	Command   string
	Arguments []interface{}
}

// Gateway wires the pool, per-workspace edit managers, and the event bus
// together to serve the outer tool surface.
type Gateway struct {
	pool   *pool.Pool
	events *events.Bus
	logger *zap.Logger

	editManagers map[string]*edit.Manager
}

// New constructs a Gateway over an already-running Pool.
func New(p *pool.Pool, bus *events.Bus, logger *zap.Logger) *Gateway {
	return &Gateway{pool: p, events: bus, logger: logger, editManagers: make(map[string]*edit.Manager)}
}

func (g *Gateway) editManagerFor(workspace string) (*edit.Manager, error) {
	canon, err := lspproto.CanonicalWorkspace(workspace)
	if err != nil {
		return nil, err
	}
	if m, ok := g.editManagers[canon]; ok {
		return m, nil
	}
	m, err := edit.NewManager(canon)
	if err != nil {
		return nil, err
	}
	g.editManagers[canon] = m
	return m, nil
}

// clientBackend type-asserts a pool.Backend back to *client.Client, which
// the pool itself deliberately does not depend on (see pool.Backend's doc
// comment) but the gateway needs for diagnostics and pre-open tracking.
func clientBackend(b pool.Backend) (*client.Client, error) {
	c, ok := b.(*client.Client)
	if !ok {
		return nil, fmt.Errorf("gateway: pooled backend is not *client.Client (got %T)", b)
	}
	return c, nil
}

func methodForKind(kind IntelKind) (string, error) {
	switch kind {
	case IntelHover:
		return protocol.MethodTextDocumentHover, nil
	case IntelSignature:
		return protocol.MethodTextDocumentSignatureHelp, nil
	case IntelCompletion:
		return protocol.MethodTextDocumentCompletion, nil
	default:
		return "", &InvalidParamsError{Reason: fmt.Sprintf("unknown code intelligence kind %q", kind)}
	}
}

// CodeIntelligence dispatches a hover/signature/completion request to the
// pooled backend for req.Path's language (spec §6).
func (g *Gateway) CodeIntelligence(ctx context.Context, req CodeIntelligenceRequest) (*CodeIntelligenceResult, error) {
	method, err := methodForKind(req.Kind)
	if err != nil {
		return nil, err
	}

	backend, err := g.pool.GetForFile(ctx, req.Path, req.Workspace)
	if err != nil {
		return nil, err
	}
	c, err := clientBackend(backend)
	if err != nil {
		return nil, err
	}

	if err := g.ensureOpenFromDisk(ctx, c, req.Path); err != nil {
		return nil, err
	}

	params := &protocol.TextDocumentPositionParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: protocol.DocumentURI(lspproto.FileURI(req.Path))},
		Position:     protocol.Position{Line: uint32(req.Line), Character: uint32(req.Character)},
	}
	raw, err := c.Call(ctx, method, params)
	if err != nil {
		return nil, err
	}
	return &CodeIntelligenceResult{Kind: req.Kind, Raw: raw}, nil
}

// RenameSymbol dispatches textDocument/rename to the owning backend and
// applies the returned WorkspaceEdit via internal/edit (spec §6).
func (g *Gateway) RenameSymbol(ctx context.Context, req RenameRequest) (*RenameResult, error) {
	if req.NewName == "" {
		return nil, &InvalidParamsError{Reason: "newName must not be empty"}
	}

	backend, err := g.pool.GetForFile(ctx, req.Path, req.Workspace)
	if err != nil {
		return nil, err
	}
	c, err := clientBackend(backend)
	if err != nil {
		return nil, err
	}
	if err := g.ensureOpenFromDisk(ctx, c, req.Path); err != nil {
		return nil, err
	}

	params := &protocol.RenameParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: protocol.DocumentURI(lspproto.FileURI(req.Path))},
		Position:     protocol.Position{Line: uint32(req.Line), Character: uint32(req.Character)},
		NewName:      req.NewName,
	}
	raw, err := c.Call(ctx, protocol.MethodTextDocumentRename, params)
	if err != nil {
		return nil, err
	}

	var lspEdit protocol.WorkspaceEdit
	if err := json.Unmarshal(raw, &lspEdit); err != nil {
		return nil, fmt.Errorf("gateway: decode rename WorkspaceEdit: %w", err)
	}
	we, err := fromProtocolWorkspaceEdit(lspEdit)
	if err != nil {
		return nil, err
	}

	mgr, err := g.editManagerFor(req.Workspace)
	if err != nil {
		return nil, err
	}
	result, err := mgr.Apply(we, false)
	if err != nil {
		return nil, err
	}

	occurrences := 0
	for _, dc := range we.DocumentChanges {
		occurrences += len(dc.Edits)
	}
	lang, _ := lspproto.LanguageIDForPath(req.Path)
	g.events.PublishContext(ctx, events.Event{Kind: events.DiagnosticsPublished, Language: lang, Workspace: req.Workspace})

	return &RenameResult{
		Summary:             fmt.Sprintf("renamed to %q across %d file(s)", req.NewName, len(result.FilesChanged)),
		FilesModified:       result.FilesChanged,
		OccurrencesReplaced: occurrences,
	}, nil
}

// GetDiagnostics returns cached diagnostics from the pooled backend(s),
// optionally filtered by severity and capped at MaxResults (spec §6).
func (g *Gateway) GetDiagnostics(ctx context.Context, req DiagnosticsRequest) (*DiagnosticsResult, error) {
	result := &DiagnosticsResult{ByURI: make(map[string][]protocol.Diagnostic)}

	collect := func(c *client.Client) {
		var all map[protocol.DocumentURI][]protocol.Diagnostic
		if req.URI != "" {
			d := c.GetDiagnostics(protocol.DocumentURI(lspproto.FileURI(req.URI)))
			all = map[protocol.DocumentURI][]protocol.Diagnostic{protocol.DocumentURI(lspproto.FileURI(req.URI)): d}
		} else {
			all = c.GetAllDiagnostics()
		}
		for uri, diags := range all {
			filtered := filterBySeverity(diags, req.Severity)
			if req.MaxResults > 0 && result.TotalCount+len(filtered) > req.MaxResults {
				filtered = filtered[:req.MaxResults-result.TotalCount]
			}
			if len(filtered) == 0 {
				continue
			}
			result.ByURI[string(uri)] = append(result.ByURI[string(uri)], filtered...)
			result.TotalCount += len(filtered)
		}
	}

	if req.URI != "" {
		backend, err := g.pool.GetForFile(ctx, req.URI, req.Workspace)
		if err != nil {
			return nil, err
		}
		c, err := clientBackend(backend)
		if err != nil {
			return nil, err
		}
		collect(c)
	} else {
		for _, key := range g.pool.GetAllActive() {
			if key.Workspace != req.Workspace {
				continue
			}
			backend, err := g.pool.Get(ctx, key.Language, key.Workspace)
			if err != nil {
				continue
			}
			c, err := clientBackend(backend)
			if err != nil {
				continue
			}
			collect(c)
		}
	}

	if req.MaxResults > 0 && result.TotalCount > req.MaxResults {
		result.TotalCount = req.MaxResults
	}
	return result, nil
}

func filterBySeverity(diags []protocol.Diagnostic, severity string) []protocol.Diagnostic {
	if severity == "" {
		return diags
	}
	var want protocol.DiagnosticSeverity
	switch severity {
	case "error":
		want = protocol.DiagnosticSeverityError
	case "warning":
		want = protocol.DiagnosticSeverityWarning
	case "info":
		want = protocol.DiagnosticSeverityInformation
	case "hint":
		want = protocol.DiagnosticSeverityHint
	default:
		return diags
	}
	out := make([]protocol.Diagnostic, 0, len(diags))
	for _, d := range diags {
		if d.Severity == want {
			out = append(out, d)
		}
	}
	return out
}

// ApplyEdit validates and applies a caller-supplied WorkspaceEdit via
// internal/edit (spec §6). dryRun requests a preview only; atomic is always
// true for this implementation since Manager.Apply's rollback is the only
// mode it offers — there is no non-atomic partial-apply mode.
func (g *Gateway) ApplyEdit(ctx context.Context, req ApplyEditRequest) (*ApplyEditResult, error) {
	mgr, err := g.editManagerFor(req.Workspace)
	if err != nil {
		return nil, err
	}

	result, err := mgr.Apply(req.Edit, req.DryRun)
	if err != nil {
		if rbErr, ok := err.(*edit.RollbackError); ok {
			return &ApplyEditResult{Success: false, RollbackPerformed: rbErr.RolledBack}, err
		}
		return nil, err
	}

	changes := make([]string, 0, len(result.FilesChanged)+len(result.FilesCreated)+len(result.FilesDeleted))
	changes = append(changes, result.FilesChanged...)
	changes = append(changes, result.FilesCreated...)
	changes = append(changes, result.FilesDeleted...)
	sort.Strings(changes)

	return &ApplyEditResult{
		Success:       true,
		TransactionID: result.TransactionID,
		FilesModified: changes,
		TotalChanges:  len(changes),
		Changes:       changes,
	}, nil
}

// ExecuteCommand dispatches workspace/executeCommand to the backend for
// req.Language, without interpreting the command or its arguments (spec
// §6: arbitrary command execution is opaque to the gateway).
func (g *Gateway) ExecuteCommand(ctx context.Context, req ExecuteCommandRequest) (json.RawMessage, error) {
	if req.Command == "" {
		return nil, &InvalidParamsError{Reason: "command must not be empty"}
	}
	if req.Language == "" {
		return nil, &InvalidParamsError{Reason: "language must not be empty"}
	}

	backend, err := g.pool.Get(ctx, req.Language, req.Workspace)
	if err != nil {
		return nil, err
	}

	params := &protocol.ExecuteCommandParams{
		Command:   req.Command,
		Arguments: req.Arguments,
	}
	return backend.Call(ctx, protocol.MethodWorkspaceExecuteCommand, params)
}

// ensureOpenFromDisk reads path and issues EnsureOpen so semantic
// operations never target an unopened document (spec §4.3/§12.2).
func (g *Gateway) ensureOpenFromDisk(ctx context.Context, c *client.Client, path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("gateway: read %s: %w", path, err)
	}
	return c.EnsureOpen(ctx, path, string(content))
}

// fromProtocolWorkspaceEdit converts a go.lsp.dev/protocol.WorkspaceEdit
// (wire form, received from backends) into the gateway's own canonical
// edit.WorkspaceEdit, preferring DocumentChanges when the server supplied
// them and falling back to the flat Changes map otherwise.
func fromProtocolWorkspaceEdit(we protocol.WorkspaceEdit) (edit.WorkspaceEdit, error) {
	var out edit.WorkspaceEdit

	if len(we.DocumentChanges) > 0 {
		for _, dc := range we.DocumentChanges {
			switch {
			case dc.TextDocumentEdit != nil:
				tde := dc.TextDocumentEdit
				edits := make([]edit.TextEdit, 0, len(tde.Edits))
				for _, e := range tde.Edits {
					edits = append(edits, edit.TextEdit{
						Range:   fromProtocolRange(e.Range),
						NewText: e.NewText,
					})
				}
				out.DocumentChanges = append(out.DocumentChanges, edit.DocumentChange{
					Kind:  edit.ChangeEdit,
					URI:   string(tde.TextDocument.URI),
					Edits: edits,
				})
			case dc.CreateFile != nil:
				out.DocumentChanges = append(out.DocumentChanges, edit.DocumentChange{
					Kind:   edit.ChangeCreate,
					NewURI: string(dc.CreateFile.URI),
				})
			case dc.RenameFile != nil:
				out.DocumentChanges = append(out.DocumentChanges, edit.DocumentChange{
					Kind:   edit.ChangeRename,
					OldURI: string(dc.RenameFile.OldURI),
					NewURI: string(dc.RenameFile.NewURI),
				})
			case dc.DeleteFile != nil:
				out.DocumentChanges = append(out.DocumentChanges, edit.DocumentChange{
					Kind:   edit.ChangeDelete,
					NewURI: string(dc.DeleteFile.URI),
				})
			}
		}
		return out, nil
	}

	for uri, edits := range we.Changes {
		converted := make([]edit.TextEdit, 0, len(edits))
		for _, e := range edits {
			converted = append(converted, edit.TextEdit{Range: fromProtocolRange(e.Range), NewText: e.NewText})
		}
		out.DocumentChanges = append(out.DocumentChanges, edit.DocumentChange{
			Kind:  edit.ChangeEdit,
			URI:   string(uri),
			Edits: converted,
		})
	}
	return out, nil
}

func fromProtocolRange(r protocol.Range) edit.Range {
	return edit.Range{
		Start: edit.Position{Line: int(r.Start.Line), Character: int(r.Start.Character)},
		End:   edit.Position{Line: int(r.End.Line), Character: int(r.End.Character)},
	}
}
