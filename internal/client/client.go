// Package client implements the LSP client for one backend language server
// subprocess (spec §4.3, component C3): process lifecycle, the
// initialize/initialized handshake, pre-open file tracking, diagnostics
// caching, and graceful/forced shutdown.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.lsp.dev/protocol"
	"go.uber.org/zap"

	"github.com/conduit-lang/lspgateway/internal/lspproto"
	"github.com/conduit-lang/lspgateway/internal/registry"
	"github.com/conduit-lang/lspgateway/internal/transport"
)

// State is the client's lifecycle state machine (spec §4.3).
type State int32

const (
	StateNew State = iota
	StateStarting
	StateInitializing
	StateInitialized
	StateStopping
	StateCrashed
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateStarting:
		return "starting"
	case StateInitializing:
		return "initializing"
	case StateInitialized:
		return "initialized"
	case StateStopping:
		return "stopping"
	case StateCrashed:
		return "crashed"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config parameterizes one subprocess launch.
type Config struct {
	Command       string
	Args          []string
	Env           []string
	WorkspaceRoot string
	LanguageID    string

	StartTimeout   time.Duration
	RequestTimeout time.Duration
	KillGrace      time.Duration
}

func (c Config) withDefaults() Config {
	if c.StartTimeout <= 0 {
		c.StartTimeout = 30 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.KillGrace <= 0 {
		c.KillGrace = 5 * time.Second
	}
	return c
}

// ErrClientDisposed is returned by operations invoked on a client that has
// already been stopped or has crashed.
var ErrClientDisposed = registry.ErrCanceled

// ServerCrashError reports that the backend process exited unexpectedly
// while the client still expected it to be running.
type ServerCrashError struct {
	Language  string
	Workspace string
	ExitErr   error
}

func (e *ServerCrashError) Error() string {
	return fmt.Sprintf("client: %s server for %s exited unexpectedly: %v", e.Language, e.Workspace, e.ExitErr)
}

func (e *ServerCrashError) Unwrap() error { return e.ExitErr }

// OpenFileInfo tracks the version and URI of a file the gateway has opened
// on behalf of a semantic operation (spec §12.2 / §4.3 pre-open tracking).
type OpenFileInfo struct {
	URI     protocol.DocumentURI
	Version int32
}

// Client owns one backend language server subprocess and its JSON-RPC
// correlation table.
type Client struct {
	cfg    Config
	logger *zap.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr io.ReadCloser

	framedOut *transport.Writer
	framedIn  *transport.Reader

	registry *registry.Registry

	state atomic.Int32

	startedAt time.Time

	diagMu      sync.RWMutex
	diagnostics map[protocol.DocumentURI][]protocol.Diagnostic

	openMu sync.Mutex
	open   map[string]*OpenFileInfo

	stopOnce sync.Once
	exited   chan struct{}
	exitErr  error

	onCrash func(*ServerCrashError)
}

// New constructs a Client; call Start to spawn the subprocess and perform
// the handshake.
func New(cfg Config, logger *zap.Logger, onCrash func(*ServerCrashError)) *Client {
	cfg = cfg.withDefaults()
	c := &Client{
		cfg:         cfg,
		logger:      logger,
		diagnostics: make(map[protocol.DocumentURI][]protocol.Diagnostic),
		open:        make(map[string]*OpenFileInfo),
		exited:      make(chan struct{}),
		onCrash:     onCrash,
	}
	c.state.Store(int32(StateNew))
	return c
}

// State returns the client's current lifecycle state.
func (c *Client) State() State { return State(c.state.Load()) }

func (c *Client) setState(s State) { c.state.Store(int32(s)) }

// Uptime is how long the subprocess has been running since Start succeeded.
// Zero if it has not started.
func (c *Client) Uptime() time.Duration {
	if c.startedAt.IsZero() {
		return 0
	}
	return time.Since(c.startedAt)
}

// Start spawns the subprocess and performs the initialize/initialized
// handshake, with cfg.StartTimeout bounding the whole sequence.
func (c *Client) Start(ctx context.Context) error {
	c.setState(StateStarting)

	ctx, cancel := context.WithTimeout(ctx, c.cfg.StartTimeout)
	defer cancel()

	cmd := exec.Command(c.cfg.Command, c.cfg.Args...)
	if len(c.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), c.cfg.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		c.setState(StateCrashed)
		return fmt.Errorf("client: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		c.setState(StateCrashed)
		return fmt.Errorf("client: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		c.setState(StateCrashed)
		return fmt.Errorf("client: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		c.setState(StateCrashed)
		return fmt.Errorf("client: start %s: %w", c.cfg.Command, err)
	}

	c.cmd = cmd
	c.stdin = stdin
	c.stderr = stderr
	c.framedOut = transport.NewWriter(stdin)
	c.framedIn = transport.NewReader(stdout)
	c.startedAt = time.Now()

	sender := registry.SenderFunc(c.framedOut.WriteMessage)
	c.registry = registry.New(sender, c.logger)
	c.registry.OnNotification("textDocument/publishDiagnostics", c.handleDiagnostics)

	go c.forwardStderr()
	go c.readLoop()
	go c.waitForExit()

	c.setState(StateInitializing)
	if err := c.handshake(ctx); err != nil {
		c.setState(StateCrashed)
		_ = c.killNow()
		return err
	}

	c.setState(StateInitialized)
	return nil
}

func (c *Client) handshake(ctx context.Context) error {
	params := &protocol.InitializeParams{
		ProcessID: int32(os.Getpid()),
		RootURI:   protocol.DocumentURI(lspproto.FileURI(c.cfg.WorkspaceRoot)),
		ClientInfo: &protocol.ClientInfo{
			Name:    "lspgateway",
			Version: "0.1.0",
		},
		Capabilities: lspproto.ClientCapabilities(false),
		WorkspaceFolders: []protocol.WorkspaceFolder{
			{URI: lspproto.FileURI(c.cfg.WorkspaceRoot), Name: c.cfg.WorkspaceRoot},
		},
	}

	raw, err := c.registry.Call(ctx, protocol.MethodInitialize, params, c.cfg.StartTimeout)
	if err != nil {
		return fmt.Errorf("client: initialize: %w", err)
	}
	var result protocol.InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("client: decode initialize result: %w", err)
	}

	if err := c.registry.Notify(protocol.MethodInitialized, &protocol.InitializedParams{}); err != nil {
		return fmt.Errorf("client: initialized notification: %w", err)
	}
	return nil
}

func (c *Client) forwardStderr() {
	scanner := bufio.NewScanner(c.stderr)
	for scanner.Scan() {
		c.logger.Warn("backend stderr", zap.String("line", scanner.Text()))
	}
}

func (c *Client) readLoop() {
	for {
		payload, err := c.framedIn.ReadMessage()
		if err != nil {
			return
		}
		c.registry.OnIncoming(payload)
	}
}

func (c *Client) waitForExit() {
	err := c.cmd.Wait()
	c.exitErr = err
	close(c.exited)

	if c.State() == StateStopping || c.State() == StateStopped {
		c.setState(StateStopped)
		c.registry.CancelAll(ErrClientDisposed)
		return
	}

	c.setState(StateCrashed)
	crashErr := &ServerCrashError{Language: c.cfg.LanguageID, Workspace: c.cfg.WorkspaceRoot, ExitErr: err}
	c.registry.CancelAll(crashErr)
	if c.onCrash != nil {
		c.onCrash(crashErr)
	}
}

func (c *Client) handleDiagnostics(params json.RawMessage) {
	var p protocol.PublishDiagnosticsParams
	if err := json.Unmarshal(params, &p); err != nil {
		c.logger.Warn("client: malformed publishDiagnostics", zap.Error(err))
		return
	}
	c.diagMu.Lock()
	c.diagnostics[p.URI] = p.Diagnostics
	c.diagMu.Unlock()
}

// GetDiagnostics returns a defensive copy of the cached diagnostics for uri.
func (c *Client) GetDiagnostics(uri protocol.DocumentURI) []protocol.Diagnostic {
	c.diagMu.RLock()
	defer c.diagMu.RUnlock()
	d := c.diagnostics[uri]
	out := make([]protocol.Diagnostic, len(d))
	copy(out, d)
	return out
}

// GetAllDiagnostics returns a defensive copy of every cached diagnostic set.
func (c *Client) GetAllDiagnostics() map[protocol.DocumentURI][]protocol.Diagnostic {
	c.diagMu.RLock()
	defer c.diagMu.RUnlock()
	out := make(map[protocol.DocumentURI][]protocol.Diagnostic, len(c.diagnostics))
	for uri, d := range c.diagnostics {
		cp := make([]protocol.Diagnostic, len(d))
		copy(cp, d)
		out[uri] = cp
	}
	return out
}

// Call performs a synchronous textDocument/workspace request against the
// backend, using cfg.RequestTimeout unless overridden by ctx's own deadline.
func (c *Client) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	if c.State() != StateInitialized {
		return nil, ErrClientDisposed
	}
	return c.registry.Call(ctx, method, params, c.cfg.RequestTimeout)
}

// Notify sends a fire-and-forget notification to the backend.
func (c *Client) Notify(method string, params interface{}) error {
	if c.State() != StateInitialized {
		return ErrClientDisposed
	}
	return c.registry.Notify(method, params)
}

// Ping checks liveness via a best-effort $/ping request; per design any
// well-formed JSON-RPC reply (result or error) counts as alive, only a
// transport/timeout failure counts as dead.
func (c *Client) Ping(ctx context.Context, deadline time.Duration) error {
	if c.State() != StateInitialized {
		return ErrClientDisposed
	}
	_, err := c.registry.Call(ctx, "$/ping", nil, deadline)
	var rpcErr *registry.RPCError
	if err == nil {
		return nil
	}
	if jsonAsRPCError(err, &rpcErr) {
		// the server replied at all — it's alive, just doesn't know $/ping
		return nil
	}
	return err
}

func jsonAsRPCError(err error, target **registry.RPCError) bool {
	type unwrapper interface{ Unwrap() error }
	for err != nil {
		if rpcErr, ok := err.(*registry.RPCError); ok {
			*target = rpcErr
			return true
		}
		u, ok := err.(unwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// EnsureOpen sends textDocument/didOpen for uri if it is not already tracked
// open, per the pre-open tracking rule (spec §4.3/§12.2): semantic
// operations must never target an unopened document.
func (c *Client) EnsureOpen(ctx context.Context, path, text string) error {
	uri := lspproto.FileURI(path)
	c.openMu.Lock()
	defer c.openMu.Unlock()

	if _, ok := c.open[uri]; ok {
		return nil
	}

	lang, _ := lspproto.LanguageIDForPath(path)
	params := &protocol.DidOpenTextDocumentParams{
		TextDocument: protocol.TextDocumentItem{
			URI:        protocol.DocumentURI(uri),
			LanguageID: protocol.LanguageIdentifier(lang),
			Version:    1,
			Text:       text,
		},
	}
	if err := c.Notify(protocol.MethodTextDocumentDidOpen, params); err != nil {
		return err
	}
	c.open[uri] = &OpenFileInfo{URI: protocol.DocumentURI(uri), Version: 1}
	return nil
}

// NotifyChange sends textDocument/didChange with the full new text and bumps
// the tracked version.
func (c *Client) NotifyChange(path, text string) error {
	uri := lspproto.FileURI(path)
	c.openMu.Lock()
	defer c.openMu.Unlock()

	info, ok := c.open[uri]
	if !ok {
		return fmt.Errorf("client: NotifyChange on unopened file %s", path)
	}
	info.Version++
	params := &protocol.DidChangeTextDocumentParams{
		TextDocument: protocol.VersionedTextDocumentIdentifier{
			TextDocumentIdentifier: protocol.TextDocumentIdentifier{URI: info.URI},
			Version:                info.Version,
		},
		ContentChanges: []protocol.TextDocumentContentChangeEvent{{Text: text}},
	}
	return c.Notify(protocol.MethodTextDocumentDidChange, params)
}

// CloseFile sends textDocument/didClose and drops tracking + cached
// diagnostics for path.
func (c *Client) CloseFile(path string) error {
	uri := lspproto.FileURI(path)
	c.openMu.Lock()
	_, ok := c.open[uri]
	delete(c.open, uri)
	c.openMu.Unlock()
	if !ok {
		return nil
	}

	c.diagMu.Lock()
	delete(c.diagnostics, protocol.DocumentURI(uri))
	c.diagMu.Unlock()

	params := &protocol.DidCloseTextDocumentParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: protocol.DocumentURI(uri)},
	}
	return c.Notify(protocol.MethodTextDocumentDidClose, params)
}

// IsFileOpen reports whether path is currently tracked as open.
func (c *Client) IsFileOpen(path string) bool {
	uri := lspproto.FileURI(path)
	c.openMu.Lock()
	defer c.openMu.Unlock()
	_, ok := c.open[uri]
	return ok
}

// sigkillGrace is how long Stop waits after SIGTERM before escalating to
// SIGKILL (spec §4.3: "SIGTERM, then SIGKILL after another 5s").
const sigkillGrace = 5 * time.Second

// Stop performs the graceful shutdown sequence: shutdown request, exit
// notification, close stdin, wait up to cfg.KillGrace, then SIGTERM, then
// SIGKILL after another sigkillGrace if the process still hasn't exited.
func (c *Client) Stop(ctx context.Context) error {
	var stopErr error
	c.stopOnce.Do(func() {
		c.setState(StateStopping)

		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_, _ = c.registry.Call(shutdownCtx, protocol.MethodShutdown, nil, 5*time.Second)
		cancel()

		_ = c.registry.Notify(protocol.MethodExit, nil)
		_ = c.stdin.Close()

		select {
		case <-c.exited:
		case <-time.After(c.cfg.KillGrace):
			stopErr = c.terminateThenKill()
		}

		c.setState(StateStopped)
		c.registry.CancelAll(ErrClientDisposed)
	})
	return stopErr
}

// terminateThenKill sends SIGTERM and escalates to SIGKILL if the process
// hasn't exited within sigkillGrace.
func (c *Client) terminateThenKill() error {
	if c.cmd == nil || c.cmd.Process == nil {
		return nil
	}
	if err := c.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return c.killNow()
	}

	select {
	case <-c.exited:
		return nil
	case <-time.After(sigkillGrace):
		return c.killNow()
	}
}

func (c *Client) killNow() error {
	if c.cmd == nil || c.cmd.Process == nil {
		return nil
	}
	if err := c.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("client: kill: %w", err)
	}
	return nil
}
