// Package edit implements the edit transaction manager (spec §4.5,
// component C5): canonicalizing a WorkspaceEdit to documentChanges form,
// validating it (overlap rejection, path safety), applying it atomically via
// sibling temp file + rename with snapshot-based rollback on failure, and
// dry-run previews.
package edit

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/conduit-lang/lspgateway/internal/lspproto"
)

// Position is a zero-based line/character location, mirroring LSP's own
// position encoding.
type Position struct {
	Line      int
	Character int
}

// Range is a half-open [Start, End) span within one document.
type Range struct {
	Start Position
	End   Position
}

// TextEdit replaces the text within Range with NewText.
type TextEdit struct {
	Range   Range
	NewText string
}

// ChangeKind distinguishes the four document-change variants a
// WorkspaceEdit's documentChanges array may contain.
type ChangeKind int

const (
	ChangeEdit ChangeKind = iota
	ChangeCreate
	ChangeRename
	ChangeDelete
)

// DocumentChange is the gateway's canonical sum type for one entry of a
// WorkspaceEdit's documentChanges array. Exactly the fields matching Kind
// are meaningful; this mirrors the LSP wire union without depending on
// go.lsp.dev/protocol's own (uncertain, unverified) field names for it.
type DocumentChange struct {
	Kind ChangeKind

	// ChangeEdit
	URI   string
	Edits []TextEdit

	// ChangeCreate / ChangeRename / ChangeDelete
	OldURI      string // ChangeRename only
	NewURI      string // ChangeCreate, ChangeRename
	Overwrite   bool
	IgnoreIfExists bool // create
	IgnoreIfNotExists bool // delete/rename
	Recursive   bool // delete
}

// WorkspaceEdit is the gateway's canonical, already-ordered representation
// of a workspace edit: every edit expressed as DocumentChanges, regardless
// of whether the caller supplied the older flat `changes` map form.
type WorkspaceEdit struct {
	DocumentChanges []DocumentChange
}

// InvalidEditError reports a structurally invalid edit: overlapping ranges
// within one document, or a path that would escape the workspace root.
type InvalidEditError struct {
	Reason string
}

func (e *InvalidEditError) Error() string { return fmt.Sprintf("edit: invalid edit: %s", e.Reason) }

// RollbackError reports that a commit failed partway through and the
// manager attempted to restore prior state.
type RollbackError struct {
	CommitErr    error
	RollbackErr  error
	RolledBack   bool
}

func (e *RollbackError) Error() string {
	if e.RolledBack {
		return fmt.Sprintf("edit: commit failed (%v), rollback succeeded", e.CommitErr)
	}
	return fmt.Sprintf("edit: commit failed (%v), rollback also failed (%v) — workspace may be INCONSISTENT", e.CommitErr, e.RollbackErr)
}

func (e *RollbackError) Unwrap() error { return e.CommitErr }

// Result reports what Apply did.
type Result struct {
	TransactionID    string
	FilesChanged     []string
	FilesCreated     []string
	FilesDeleted     []string
	FilesRenamed     map[string]string
	DryRun           bool
	Preview          map[string]string
	RollbackPerformed bool
}

// Manager applies WorkspaceEdits against a single workspace root.
type Manager struct {
	root string

	// fileLocks serializes concurrent transactions touching overlapping
	// files; locks for one transaction are always acquired in sorted path
	// order to avoid deadlocking against another concurrent transaction.
	mu        sync.Mutex
	fileLocks map[string]*sync.Mutex
}

// NewManager constructs a Manager rooted at root. All paths in any
// WorkspaceEdit applied through it must resolve inside root.
func NewManager(root string) (*Manager, error) {
	abs, err := lspproto.CanonicalWorkspace(root)
	if err != nil {
		return nil, fmt.Errorf("edit: resolve root: %w", err)
	}
	return &Manager{root: abs, fileLocks: make(map[string]*sync.Mutex)}, nil
}

func (m *Manager) lockFor(path string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.fileLocks[path]
	if !ok {
		l = &sync.Mutex{}
		m.fileLocks[path] = l
	}
	return l
}

// touchedPaths returns every filesystem path this edit would touch, for
// lock ordering and validation.
func touchedPaths(we WorkspaceEdit) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(uri string) {
		if uri == "" {
			return
		}
		p := lspproto.FilePath(uri)
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	for _, dc := range we.DocumentChanges {
		switch dc.Kind {
		case ChangeEdit:
			add(dc.URI)
		case ChangeCreate:
			add(dc.NewURI)
		case ChangeRename:
			add(dc.OldURI)
			add(dc.NewURI)
		case ChangeDelete:
			add(dc.NewURI)
		}
	}
	sort.Strings(out)
	return out
}

// validate checks path safety and per-document edit-range overlap.
func (m *Manager) validate(we WorkspaceEdit) error {
	for _, path := range touchedPaths(we) {
		if !m.withinRoot(path) {
			return &InvalidEditError{Reason: fmt.Sprintf("path %q escapes workspace root %q", path, m.root)}
		}
	}

	for _, dc := range we.DocumentChanges {
		if dc.Kind != ChangeEdit {
			continue
		}
		if err := checkOverlaps(dc.Edits); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) withinRoot(path string) bool {
	rel, err := filepath.Rel(m.root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// checkOverlaps rejects a set of edits within one document if any two
// ranges intersect. Ranges are compared by (line, character) ordering.
func checkOverlaps(edits []TextEdit) error {
	sorted := append([]TextEdit(nil), edits...)
	sort.Slice(sorted, func(i, j int) bool {
		return lessPos(sorted[i].Range.Start, sorted[j].Range.Start)
	})
	for i := 1; i < len(sorted); i++ {
		if lessPos(sorted[i].Range.Start, sorted[i-1].Range.End) {
			return &InvalidEditError{Reason: "overlapping edit ranges within one document"}
		}
	}
	return nil
}

func lessPos(a, b Position) bool {
	if a.Line != b.Line {
		return a.Line < b.Line
	}
	return a.Character < b.Character
}

// Canonicalize orders document edits back-to-front within each document
// (by range start descending, ties broken by range end descending) so
// applying them sequentially never invalidates a later edit's offsets.
func Canonicalize(we WorkspaceEdit) WorkspaceEdit {
	out := WorkspaceEdit{DocumentChanges: make([]DocumentChange, len(we.DocumentChanges))}
	copy(out.DocumentChanges, we.DocumentChanges)
	for i, dc := range out.DocumentChanges {
		if dc.Kind != ChangeEdit {
			continue
		}
		edits := append([]TextEdit(nil), dc.Edits...)
		sort.Slice(edits, func(a, b int) bool {
			if !lessPos(edits[a].Range.Start, edits[b].Range.Start) && !lessPos(edits[b].Range.Start, edits[a].Range.Start) {
				return lessPos(edits[b].Range.End, edits[a].Range.End)
			}
			return lessPos(edits[b].Range.Start, edits[a].Range.Start)
		})
		out.DocumentChanges[i].Edits = edits
	}
	return out
}

// snapshot captures enough state to undo one transaction.
type snapshot struct {
	originals map[string][]byte // path -> original bytes, for edit/delete
	created   []string          // paths created, to remove on rollback
	renamed   map[string]string // newPath -> oldPath, to reverse on rollback
}

// Apply validates, canonicalizes, and commits we. If dryRun is true, no
// filesystem mutation occurs and Result.Preview holds a truncated preview of
// each touched document's new content.
func (m *Manager) Apply(we WorkspaceEdit, dryRun bool) (*Result, error) {
	if err := m.validate(we); err != nil {
		return nil, err
	}
	we = Canonicalize(we)

	paths := touchedPaths(we)
	for _, p := range paths {
		m.lockFor(p).Lock()
	}
	defer func() {
		for _, p := range paths {
			m.lockFor(p).Unlock()
		}
	}()

	txID := newTransactionID()

	if dryRun {
		return m.preview(txID, we)
	}

	snap := &snapshot{originals: make(map[string][]byte), renamed: make(map[string]string)}
	result, commitErr := m.commit(txID, we, snap)
	if commitErr == nil {
		return result, nil
	}

	rollbackErr := m.rollback(snap)
	if rollbackErr != nil {
		return nil, &RollbackError{CommitErr: commitErr, RollbackErr: rollbackErr, RolledBack: false}
	}
	return nil, &RollbackError{CommitErr: commitErr, RolledBack: true}
}

func (m *Manager) preview(txID string, we WorkspaceEdit) (*Result, error) {
	result := &Result{TransactionID: txID, DryRun: true, Preview: make(map[string]string), FilesRenamed: make(map[string]string)}
	for _, dc := range we.DocumentChanges {
		switch dc.Kind {
		case ChangeEdit:
			path := lspproto.FilePath(dc.URI)
			original, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("edit: preview read %s: %w", path, err)
			}
			updated, err := applyEdits(string(original), dc.Edits)
			if err != nil {
				return nil, err
			}
			result.Preview[path] = truncate(updated, 97)
			result.FilesChanged = append(result.FilesChanged, path)
		case ChangeCreate:
			result.FilesCreated = append(result.FilesCreated, lspproto.FilePath(dc.NewURI))
		case ChangeRename:
			result.FilesRenamed[lspproto.FilePath(dc.OldURI)] = lspproto.FilePath(dc.NewURI)
		case ChangeDelete:
			result.FilesDeleted = append(result.FilesDeleted, lspproto.FilePath(dc.NewURI))
		}
	}
	return result, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func (m *Manager) commit(txID string, we WorkspaceEdit, snap *snapshot) (*Result, error) {
	result := &Result{TransactionID: txID, FilesRenamed: make(map[string]string)}

	for _, dc := range we.DocumentChanges {
		switch dc.Kind {
		case ChangeEdit:
			path := lspproto.FilePath(dc.URI)
			if err := m.applyEditToFile(path, dc.Edits, snap); err != nil {
				return nil, err
			}
			result.FilesChanged = append(result.FilesChanged, path)

		case ChangeCreate:
			path := lspproto.FilePath(dc.NewURI)
			if _, err := os.Stat(path); err == nil {
				if dc.IgnoreIfExists {
					continue
				}
				if !dc.Overwrite {
					return nil, fmt.Errorf("edit: create target %s already exists", path)
				}
				snap.originals[path], _ = os.ReadFile(path)
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, fmt.Errorf("edit: create dirs for %s: %w", path, err)
			}
			if err := os.WriteFile(path, nil, 0o644); err != nil {
				return nil, fmt.Errorf("edit: create %s: %w", path, err)
			}
			snap.created = append(snap.created, path)
			result.FilesCreated = append(result.FilesCreated, path)

		case ChangeRename:
			oldPath := lspproto.FilePath(dc.OldURI)
			newPath := lspproto.FilePath(dc.NewURI)
			if _, err := os.Stat(oldPath); err != nil {
				if dc.IgnoreIfNotExists {
					continue
				}
				return nil, fmt.Errorf("edit: rename source %s missing: %w", oldPath, err)
			}
			if _, err := os.Stat(newPath); err == nil && !dc.Overwrite {
				return nil, fmt.Errorf("edit: rename target %s already exists", newPath)
			}
			if err := os.Rename(oldPath, newPath); err != nil {
				return nil, fmt.Errorf("edit: rename %s -> %s: %w", oldPath, newPath, err)
			}
			snap.renamed[newPath] = oldPath
			result.FilesRenamed[oldPath] = newPath

		case ChangeDelete:
			path := lspproto.FilePath(dc.NewURI)
			original, err := os.ReadFile(path)
			if err != nil {
				if dc.IgnoreIfNotExists {
					continue
				}
				return nil, fmt.Errorf("edit: delete %s: %w", path, err)
			}
			snap.originals[path] = original
			if err := os.Remove(path); err != nil {
				return nil, fmt.Errorf("edit: delete %s: %w", path, err)
			}
			result.FilesDeleted = append(result.FilesDeleted, path)
		}
	}

	return result, nil
}

// applyEditToFile snapshots path's original bytes, computes the edited
// content, and commits it via a sibling temp file + atomic rename.
func (m *Manager) applyEditToFile(path string, edits []TextEdit, snap *snapshot) error {
	original, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("edit: read %s: %w", path, err)
	}
	if _, captured := snap.originals[path]; !captured {
		snap.originals[path] = original
	}

	updated, err := applyEdits(string(original), edits)
	if err != nil {
		return err
	}

	info, err := os.Stat(path)
	mode := os.FileMode(0o644)
	if err == nil {
		mode = info.Mode()
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".edit-*.tmp")
	if err != nil {
		return fmt.Errorf("edit: create temp file in %s: %w", dir, err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.WriteString(updated); err != nil {
		tmp.Close()
		return fmt.Errorf("edit: write temp file for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("edit: close temp file for %s: %w", path, err)
	}
	if err := os.Chmod(tmpPath, mode); err != nil {
		return fmt.Errorf("edit: chmod temp file for %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("edit: rename temp file onto %s: %w", path, err)
	}
	ok = true
	return nil
}

// applyEdits applies a set of edits already ordered back-to-front (spec's
// apply-order rule) against content.
func applyEdits(content string, edits []TextEdit) (string, error) {
	lines := splitLinesKeepEnds(content)
	for _, e := range edits {
		start, err := offsetOf(lines, e.Range.Start)
		if err != nil {
			return "", err
		}
		end, err := offsetOf(lines, e.Range.End)
		if err != nil {
			return "", err
		}
		content = content[:start] + e.NewText + content[end:]
		lines = splitLinesKeepEnds(content)
	}
	return content, nil
}

func splitLinesKeepEnds(s string) []int {
	// offsets[i] is the byte offset where line i begins.
	offsets := []int{0}
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			offsets = append(offsets, i+1)
		}
	}
	return offsets
}

func offsetOf(lineOffsets []int, pos Position) (int, error) {
	if pos.Line < 0 || pos.Line >= len(lineOffsets) {
		return 0, &InvalidEditError{Reason: fmt.Sprintf("line %d out of range", pos.Line)}
	}
	return lineOffsets[pos.Line] + pos.Character, nil
}

// rollback restores every file captured in snap: edited/deleted files get
// their original bytes back, created files are removed, renames are
// reversed. It attempts every step even if an earlier one fails, and
// reports the last error encountered, if any.
func (m *Manager) rollback(snap *snapshot) error {
	var lastErr error

	for newPath, oldPath := range snap.renamed {
		if err := os.Rename(newPath, oldPath); err != nil {
			lastErr = fmt.Errorf("edit: rollback rename %s -> %s: %w", newPath, oldPath, err)
		}
	}

	for _, path := range snap.created {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			lastErr = fmt.Errorf("edit: rollback remove created %s: %w", path, err)
		}
	}

	for path, original := range snap.originals {
		if err := os.WriteFile(path, original, 0o644); err != nil {
			lastErr = fmt.Errorf("edit: rollback restore %s: %w", path, err)
		}
	}

	return lastErr
}

func newTransactionID() string {
	return uuid.NewString()
}
