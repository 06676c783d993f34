package client

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.lsp.dev/protocol"
	"go.uber.org/zap"

	"github.com/conduit-lang/lspgateway/internal/registry"
)

// newTestClient builds a Client with its registry wired to an in-memory
// capture sender instead of a real subprocess, so open-file tracking,
// diagnostics caching, and state transitions can be exercised without
// spawning anything.
func newTestClient(t *testing.T) (*Client, *captureSender) {
	t.Helper()
	cfg := Config{Command: "unused", WorkspaceRoot: t.TempDir(), LanguageID: "go"}.withDefaults()
	c := &Client{
		cfg:         cfg,
		logger:      zap.NewNop(),
		diagnostics: make(map[protocol.DocumentURI][]protocol.Diagnostic),
		open:        make(map[string]*OpenFileInfo),
		exited:      make(chan struct{}),
	}
	sender := &captureSender{}
	c.registry = registry.New(sender, c.logger)
	c.registry.OnNotification("textDocument/publishDiagnostics", c.handleDiagnostics)
	c.setState(StateInitialized)
	return c, sender
}

type captureSender struct {
	sent []map[string]interface{}
}

func (s *captureSender) Send(payload []byte) error {
	var m map[string]interface{}
	if err := json.Unmarshal(payload, &m); err != nil {
		return err
	}
	s.sent = append(s.sent, m)
	return nil
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateNew:          "new",
		StateStarting:     "starting",
		StateInitializing: "initializing",
		StateInitialized:  "initialized",
		StateStopping:     "stopping",
		StateCrashed:      "crashed",
		StateStopped:      "stopped",
	}
	for state, want := range cases {
		assert.Equal(t, want, state.String())
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, 30*time.Second, cfg.StartTimeout)
	assert.Equal(t, 10*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 5*time.Second, cfg.KillGrace)

	explicit := Config{StartTimeout: time.Minute}.withDefaults()
	assert.Equal(t, time.Minute, explicit.StartTimeout)
}

func TestServerCrashErrorWrapsExitErr(t *testing.T) {
	cause := context.DeadlineExceeded
	err := &ServerCrashError{Language: "go", Workspace: "/tmp/x", ExitErr: cause}
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "go")
}

func TestEnsureOpenSendsDidOpenOnlyOnce(t *testing.T) {
	c, sender := newTestClient(t)

	require.NoError(t, c.EnsureOpen(context.Background(), "/tmp/x/main.go", "package main"))
	require.NoError(t, c.EnsureOpen(context.Background(), "/tmp/x/main.go", "package main"))

	count := 0
	for _, m := range sender.sent {
		if m["method"] == string(protocol.MethodTextDocumentDidOpen) {
			count++
		}
	}
	assert.Equal(t, 1, count, "didOpen must be sent exactly once for repeated EnsureOpen calls")
	assert.True(t, c.IsFileOpen("/tmp/x/main.go"))
}

func TestNotifyChangeBumpsVersion(t *testing.T) {
	c, sender := newTestClient(t)
	require.NoError(t, c.EnsureOpen(context.Background(), "/tmp/x/main.go", "package main"))

	require.NoError(t, c.NotifyChange("/tmp/x/main.go", "package main\n"))
	require.NoError(t, c.NotifyChange("/tmp/x/main.go", "package main\n\nfunc f() {}"))

	var versions []float64
	for _, m := range sender.sent {
		if m["method"] != string(protocol.MethodTextDocumentDidChange) {
			continue
		}
		td := m["params"].(map[string]interface{})["textDocument"].(map[string]interface{})
		versions = append(versions, td["version"].(float64))
	}
	require.Len(t, versions, 2)
	assert.Equal(t, float64(2), versions[0])
	assert.Equal(t, float64(3), versions[1])
}

func TestNotifyChangeOnUnopenedFileFails(t *testing.T) {
	c, _ := newTestClient(t)
	err := c.NotifyChange("/tmp/x/never-opened.go", "x")
	assert.Error(t, err)
}

func TestCloseFileDropsTrackingAndDiagnostics(t *testing.T) {
	c, _ := newTestClient(t)
	require.NoError(t, c.EnsureOpen(context.Background(), "/tmp/x/main.go", "package main"))

	c.handleDiagnostics(mustJSON(t, protocol.PublishDiagnosticsParams{
		URI:         protocol.DocumentURI("file:///tmp/x/main.go"),
		Diagnostics: []protocol.Diagnostic{{Message: "unused import"}},
	}))
	assert.Len(t, c.GetDiagnostics("file:///tmp/x/main.go"), 1)

	require.NoError(t, c.CloseFile("/tmp/x/main.go"))
	assert.False(t, c.IsFileOpen("/tmp/x/main.go"))
	assert.Empty(t, c.GetDiagnostics("file:///tmp/x/main.go"))
}

func TestCallOnDisposedClientFails(t *testing.T) {
	c, _ := newTestClient(t)
	c.setState(StateStopped)

	_, err := c.Call(context.Background(), "textDocument/hover", nil)
	assert.ErrorIs(t, err, ErrClientDisposed)
}

func TestGetAllDiagnosticsReturnsDefensiveCopy(t *testing.T) {
	c, _ := newTestClient(t)
	c.handleDiagnostics(mustJSON(t, protocol.PublishDiagnosticsParams{
		URI:         protocol.DocumentURI("file:///a.go"),
		Diagnostics: []protocol.Diagnostic{{Message: "m"}},
	}))

	all := c.GetAllDiagnostics()
	all["file:///a.go"][0].Message = "mutated"

	fresh := c.GetAllDiagnostics()
	assert.Equal(t, "m", fresh["file:///a.go"][0].Message)
}

func mustJSON(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}
