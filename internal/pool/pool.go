// Package pool implements the connection pool that keys pooled backend
// clients by (language, canonical workspace path), single-flights concurrent
// creation of the same key, runs the health-check/restart loop, and evicts
// idle entries (spec §4.4, component C4).
package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/conduit-lang/lspgateway/internal/client"
	"github.com/conduit-lang/lspgateway/internal/lspproto"
	"github.com/conduit-lang/lspgateway/internal/provider"
)

// backend is the subset of *client.Client the pool depends on. Extracted as
// an interface so health-loop and restart-policy tests can inject a fake
// without spawning a real subprocess.
type backend interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Ping(ctx context.Context, deadline time.Duration) error
	Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error)
	Notify(method string, params interface{}) error
	State() client.State
	Uptime() time.Duration
}

// Backend is the public alias of the pool's internal client seam, returned
// by Get/GetForFile so callers in internal/gateway can type-assert back to
// *client.Client for diagnostics/open-file operations the pool itself
// doesn't need.
type Backend = backend

// Factory constructs a backend for the given provider config. Production
// code uses newClientBackend; tests substitute a fake.
type Factory func(cfg client.Config, logger *zap.Logger, onCrash func(*client.ServerCrashError)) backend

func newClientBackend(cfg client.Config, logger *zap.Logger, onCrash func(*client.ServerCrashError)) backend {
	return client.New(cfg, logger, onCrash)
}

// Key identifies one pooled entry.
type Key struct {
	Language  string
	Workspace string
}

func (k Key) String() string { return k.Language + "|" + k.Workspace }

// Health summarizes one entry's liveness for admin/observability use.
type Health struct {
	Key          Key
	State        client.State
	Uptime       time.Duration
	CrashCount   int
	LastCrashAt  time.Time
	LastPingErr  string
	LastPingTime time.Time
}

// Config parameterizes the pool's health/restart/eviction policy (spec §6).
type Config struct {
	HealthCheckInterval time.Duration
	PingDeadline        time.Duration
	MaxRestarts         int
	RestartWindow       time.Duration
	IdleTimeout         time.Duration
}

func (c Config) withDefaults() Config {
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 30 * time.Second
	}
	if c.PingDeadline <= 0 {
		c.PingDeadline = 5 * time.Second
	}
	if c.MaxRestarts <= 0 {
		c.MaxRestarts = 3
	}
	if c.RestartWindow <= 0 {
		c.RestartWindow = 5 * time.Minute
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	return c
}

// PoolExhaustedError reports that an entry crashed more than Config.MaxRestarts
// times within Config.RestartWindow and will not be restarted again.
type PoolExhaustedError struct {
	Key        Key
	CrashCount int
	Window     time.Duration
}

func (e *PoolExhaustedError) Error() string {
	return fmt.Sprintf("pool: %s crashed %d times within %s, giving up", e.Key, e.CrashCount, e.Window)
}

type entry struct {
	mu          sync.Mutex
	key         Key
	backend     backend
	provider    provider.LanguageServerProvider
	lastUsed    time.Time
	crashTimes  []time.Time
	lastPingErr string
	lastPingAt  time.Time
	exhausted   bool
}

// Pool owns every pooled backend client.
type Pool struct {
	cfg      Config
	logger   *zap.Logger
	registry *provider.Registry
	factory  Factory

	mu      sync.Mutex
	entries map[Key]*entry
	inFlightCreates map[Key]chan struct{}

	stopHealth chan struct{}
	healthDone chan struct{}
	disposedOnce sync.Once
}

// New constructs a Pool. Call Run to start the background health loop.
func New(cfg Config, registry *provider.Registry, logger *zap.Logger) *Pool {
	return NewWithFactory(cfg, registry, logger, newClientBackend)
}

// NewWithFactory is New with an injectable backend Factory, for callers in
// other packages (internal/gateway's tests) that need to substitute a fake
// backend without spawning a real subprocess.
func NewWithFactory(cfg Config, registry *provider.Registry, logger *zap.Logger, factory Factory) *Pool {
	return &Pool{
		cfg:             cfg.withDefaults(),
		logger:          logger,
		registry:        registry,
		factory:         factory,
		entries:         make(map[Key]*entry),
		inFlightCreates: make(map[Key]chan struct{}),
		stopHealth:      make(chan struct{}),
		healthDone:      make(chan struct{}),
	}
}

// Run starts the periodic health-check loop. It returns once DisposeAll is
// called or ctx is canceled.
func (p *Pool) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()
	defer close(p.healthDone)

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopHealth:
			return
		case <-ticker.C:
			p.runHealthPass(ctx)
			p.evictIdle()
		}
	}
}

// Get returns the pooled client for (language, workspace), creating and
// starting one if none exists yet. Concurrent Get calls for the same key
// single-flight onto one creation.
func (p *Pool) Get(ctx context.Context, language, workspace string) (Backend, error) {
	canon, err := lspproto.CanonicalWorkspace(workspace)
	if err != nil {
		return nil, fmt.Errorf("pool: canonicalize workspace: %w", err)
	}
	key := Key{Language: language, Workspace: canon}

	for {
		p.mu.Lock()
		if e, ok := p.entries[key]; ok {
			p.mu.Unlock()
			e.mu.Lock()
			e.lastUsed = time.Now()
			b := e.backend
			exhausted := e.exhausted
			crashCount := len(e.crashTimes)
			e.mu.Unlock()
			if exhausted {
				return nil, &PoolExhaustedError{Key: key, CrashCount: crashCount, Window: p.cfg.RestartWindow}
			}
			return b, nil
		}

		if wait, creating := p.inFlightCreates[key]; creating {
			p.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		wait := make(chan struct{})
		p.inFlightCreates[key] = wait
		p.mu.Unlock()

		b, createErr := p.create(ctx, key)

		p.mu.Lock()
		delete(p.inFlightCreates, key)
		close(wait)
		p.mu.Unlock()

		if createErr != nil {
			return nil, createErr
		}
		return b, nil
	}
}

func (p *Pool) create(ctx context.Context, key Key) (backend, error) {
	lp, ok := p.registry.Lookup(key.Language)
	if !ok {
		return nil, fmt.Errorf("pool: no provider registered for language %q", key.Language)
	}
	cliCfg, err := lp.Config(key.Workspace)
	if err != nil {
		return nil, fmt.Errorf("pool: build config for %s: %w", key, err)
	}

	logger := p.logger.With(zap.String("language", key.Language), zap.String("workspace", key.Workspace))

	e := &entry{key: key, provider: lp, lastUsed: time.Now()}
	b := p.factory(cliCfg, logger, func(crashErr *client.ServerCrashError) {
		p.handleCrash(ctx, key, crashErr)
	})
	if err := b.Start(ctx); err != nil {
		return nil, fmt.Errorf("pool: start %s: %w", key, err)
	}
	e.backend = b

	p.mu.Lock()
	p.entries[key] = e
	p.mu.Unlock()

	return b, nil
}

func (p *Pool) handleCrash(ctx context.Context, key Key, crashErr *client.ServerCrashError) {
	p.mu.Lock()
	e, ok := p.entries[key]
	p.mu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	now := time.Now()
	e.crashTimes = append(e.crashTimes, now)
	e.crashTimes = withinWindow(e.crashTimes, now, p.cfg.RestartWindow)
	crashCount := len(e.crashTimes)
	e.mu.Unlock()

	p.logger.Warn("pool: backend crashed", zap.String("key", key.String()), zap.Error(crashErr), zap.Int("crash_count", crashCount))

	if crashCount > p.cfg.MaxRestarts {
		e.mu.Lock()
		e.exhausted = true
		e.mu.Unlock()
		p.logger.Error("pool: restart budget exhausted, giving up", zap.String("key", key.String()))
		return
	}

	p.restart(ctx, key, e)
}

func (p *Pool) restart(ctx context.Context, key Key, old *entry) {
	lp, ok := p.registry.Lookup(key.Language)
	if !ok {
		return
	}
	cliCfg, err := lp.Config(key.Workspace)
	if err != nil {
		p.logger.Error("pool: restart config build failed", zap.String("key", key.String()), zap.Error(err))
		return
	}

	logger := p.logger.With(zap.String("language", key.Language), zap.String("workspace", key.Workspace))
	newBackend := p.factory(cliCfg, logger, func(crashErr *client.ServerCrashError) {
		p.handleCrash(ctx, key, crashErr)
	})
	if err := newBackend.Start(ctx); err != nil {
		p.logger.Error("pool: restart failed to start", zap.String("key", key.String()), zap.Error(err))
		return
	}

	old.mu.Lock()
	old.backend = newBackend
	old.lastUsed = time.Now()
	old.mu.Unlock()

	p.logger.Info("pool: backend restarted", zap.String("key", key.String()))
}

func withinWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	out := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

func (p *Pool) runHealthPass(ctx context.Context) {
	p.mu.Lock()
	entries := make([]*entry, 0, len(p.entries))
	for _, e := range p.entries {
		entries = append(entries, e)
	}
	p.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		b := e.backend
		key := e.key
		exhausted := e.exhausted
		e.mu.Unlock()
		if exhausted || b == nil {
			continue
		}

		var pingErr error
		switch b.State() {
		case client.StateCrashed:
			pingErr = fmt.Errorf("client: backend already in crashed state")
		case client.StateInitialized:
			pingCtx, cancel := context.WithTimeout(ctx, p.cfg.PingDeadline)
			pingErr = b.Ping(pingCtx, p.cfg.PingDeadline)
			cancel()
		default:
			continue
		}

		e.mu.Lock()
		e.lastPingAt = time.Now()
		if pingErr != nil {
			e.lastPingErr = pingErr.Error()
		} else {
			e.lastPingErr = ""
		}
		e.mu.Unlock()

		if pingErr != nil {
			p.handleCrash(ctx, key, &client.ServerCrashError{
				Language:  key.Language,
				Workspace: key.Workspace,
				ExitErr:   pingErr,
			})
		}
	}
}

func (p *Pool) evictIdle() {
	now := time.Now()
	p.mu.Lock()
	var toEvict []*entry
	for key, e := range p.entries {
		e.mu.Lock()
		idle := now.Sub(e.lastUsed) > p.cfg.IdleTimeout
		e.mu.Unlock()
		if idle {
			toEvict = append(toEvict, e)
			delete(p.entries, key)
		}
	}
	p.mu.Unlock()

	for _, e := range toEvict {
		e.mu.Lock()
		b := e.backend
		key := e.key
		e.mu.Unlock()

		p.logger.Info("pool: evicting idle backend", zap.String("key", key.String()))
		if b == nil {
			continue
		}
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := b.Stop(stopCtx); err != nil {
			p.logger.Warn("pool: error stopping idle backend", zap.String("key", key.String()), zap.Error(err))
		}
		cancel()
	}
}

// Evict stops and removes the pooled entry for (language, workspace), if
// any. It is the manual counterpart to idle eviction, exposed for the
// admin API's POST /pool/{language}/{workspace}/evict (spec §12.3).
func (p *Pool) Evict(ctx context.Context, language, workspace string) error {
	canon, err := lspproto.CanonicalWorkspace(workspace)
	if err != nil {
		return err
	}
	key := Key{Language: language, Workspace: canon}

	p.mu.Lock()
	e, ok := p.entries[key]
	if ok {
		delete(p.entries, key)
	}
	p.mu.Unlock()

	if !ok {
		return fmt.Errorf("pool: no pooled entry for %s", key)
	}

	e.mu.Lock()
	b := e.backend
	e.mu.Unlock()
	if b == nil {
		return nil
	}
	return b.Stop(ctx)
}

// GetForFile resolves the language for path via its extension and returns
// the pooled client for (language, workspace).
func (p *Pool) GetForFile(ctx context.Context, path, workspace string) (Backend, error) {
	lang, ok := lspproto.LanguageIDForPath(path)
	if !ok {
		return nil, fmt.Errorf("pool: cannot determine language for %s", path)
	}
	return p.Get(ctx, lang, workspace)
}

// GetAllActive returns every currently pooled key, regardless of health.
func (p *Pool) GetAllActive() []Key {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Key, 0, len(p.entries))
	for key := range p.entries {
		out = append(out, key)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// GetHealth returns a point-in-time health snapshot for every pooled entry.
func (p *Pool) GetHealth() []Health {
	p.mu.Lock()
	entries := make([]*entry, 0, len(p.entries))
	for _, e := range p.entries {
		entries = append(entries, e)
	}
	p.mu.Unlock()

	out := make([]Health, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		h := Health{
			Key:          e.key,
			CrashCount:   len(e.crashTimes),
			LastPingErr:  e.lastPingErr,
			LastPingTime: e.lastPingAt,
		}
		if e.backend != nil {
			h.State = e.backend.State()
			h.Uptime = e.backend.Uptime()
		}
		if len(e.crashTimes) > 0 {
			h.LastCrashAt = e.crashTimes[len(e.crashTimes)-1]
		}
		e.mu.Unlock()
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

// DisposeAll halts the health loop and stops every pooled backend in
// parallel. Safe to call more than once; only the first call has effect.
func (p *Pool) DisposeAll(ctx context.Context) {
	p.disposedOnce.Do(func() {
		close(p.stopHealth)

		p.mu.Lock()
		entries := make([]*entry, 0, len(p.entries))
		for key, e := range p.entries {
			entries = append(entries, e)
			delete(p.entries, key)
		}
		p.mu.Unlock()

		var wg sync.WaitGroup
		for _, e := range entries {
			wg.Add(1)
			go func(e *entry) {
				defer wg.Done()
				e.mu.Lock()
				b := e.backend
				e.mu.Unlock()
				if b == nil {
					return
				}
				if err := b.Stop(ctx); err != nil {
					p.logger.Warn("pool: error stopping backend during dispose", zap.String("key", e.key.String()), zap.Error(err))
				}
			}(e)
		}
		wg.Wait()
	})
}
