// Package watcher polls the remote configuration and rebuilds the model
// registry when its content changes.
package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"dynadmin/internal/dsl"
	"dynadmin/internal/registry"
)

// State is the phase of the poll cycle.
type State int32

const (
	StateIdle State = iota
	StateFetching
	StateUnchanged
	StateRebuilding
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateUnchanged:
		return "unchanged"
	case StateRebuilding:
		return "rebuilding"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Result is the outcome of one Poll.
type Result int

const (
	ResultSkipped   Result = iota // another poll was in flight
	ResultUnchanged               // same content hash as the current snapshot
	ResultRebuilt                 // registry reloaded, snapshot replaced
	ResultFailed                  // fetch or reload failed, previous state kept
)

func (r Result) String() string {
	switch r {
	case ResultSkipped:
		return "skipped"
	case ResultUnchanged:
		return "unchanged"
	case ResultRebuilt:
		return "rebuilt"
	case ResultFailed:
		return "failed"
	}
	return fmt.Sprintf("result(%d)", int(r))
}

// Source yields the current configuration map.
type Source interface {
	Fetch(ctx context.Context) (*dsl.Object, error)
}

// Reloader rebuilds models from a configuration map.
type Reloader interface {
	Reload(ctx context.Context, raw *dsl.Object) (map[string]*registry.Model, error)
}

// Snapshot is the last configuration that was successfully loaded.
type Snapshot struct {
	Hash      string    `json:"hash"`
	FetchedAt time.Time `json:"fetchedAt"`
	Entities  []string  `json:"entities"`
}

// Config tunes the poll loop.
type Config struct {
	// Interval between polls; 60s when zero.
	Interval time.Duration
	// Timeout bounds one poll (fetch and reload); none when zero.
	Timeout time.Duration
}

// DefaultInterval is used when Config.Interval is not set.
const DefaultInterval = 60 * time.Second

// Watcher runs the fetch, hash, rebuild cycle.
type Watcher struct {
	source Source
	reg    Reloader
	log    *zap.Logger
	cfg    Config

	state    atomic.Int32
	inFlight atomic.Bool
	snap     atomic.Pointer[Snapshot]
	rebuilds atomic.Int64
	changes  atomic.Int64

	hooksMu sync.RWMutex
	hooks   []func(Snapshot)

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	isRunning bool
}

// New creates a watcher. Nothing runs until Start or Poll.
func New(source Source, reg Reloader, log *zap.Logger, cfg Config) *Watcher {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return &Watcher{source: source, reg: reg, log: log, cfg: cfg}
}

// OnReload registers fn to run after every successful rebuild.
func (w *Watcher) OnReload(fn func(Snapshot)) {
	w.hooksMu.Lock()
	w.hooks = append(w.hooks, fn)
	w.hooksMu.Unlock()
}

// State reports the current phase.
func (w *Watcher) State() State { return State(w.state.Load()) }

// Snapshot returns the last loaded snapshot, nil before the first success.
func (w *Watcher) Snapshot() *Snapshot { return w.snap.Load() }

// Rebuilds counts successful reloads, the initial build included.
func (w *Watcher) Rebuilds() int64 { return w.rebuilds.Load() }

// Changes counts reloads caused by a content change after the initial build.
func (w *Watcher) Changes() int64 { return w.changes.Load() }

// Hash is the hex SHA-256 of the JSON encoding of raw in document order.
func Hash(raw *dsl.Object) (string, error) {
	b, err := json.Marshal(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Poll runs one cycle. It is a no-op returning ResultSkipped when another
// poll is still running. Failures leave the previous snapshot and models in
// place.
func (w *Watcher) Poll(ctx context.Context) (Result, error) {
	if !w.inFlight.CompareAndSwap(false, true) {
		w.log.Debug("poll skipped: previous poll still running")
		return ResultSkipped, nil
	}
	defer w.inFlight.Store(false)
	defer w.state.Store(int32(StateIdle))

	if w.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.Timeout)
		defer cancel()
	}

	w.state.Store(int32(StateFetching))
	started := time.Now()
	raw, err := w.source.Fetch(ctx)
	if err != nil {
		w.log.Warn("config fetch failed, keeping previous models", zap.Error(err))
		return ResultFailed, err
	}
	hash, err := Hash(raw)
	if err != nil {
		w.log.Warn("config hash failed, keeping previous models", zap.Error(err))
		return ResultFailed, err
	}

	prev := w.snap.Load()
	if prev != nil && prev.Hash == hash {
		w.state.Store(int32(StateUnchanged))
		w.log.Debug("config unchanged", zap.String("hash", short(hash)))
		return ResultUnchanged, nil
	}

	w.state.Store(int32(StateRebuilding))
	models, err := w.reg.Reload(ctx, raw)
	if err != nil {
		w.log.Error("registry reload failed, keeping previous models", zap.Error(err))
		return ResultFailed, err
	}

	snap := &Snapshot{Hash: hash, FetchedAt: started, Entities: entityNames(raw, models)}
	w.snap.Store(snap)
	w.rebuilds.Add(1)
	if prev != nil {
		w.changes.Add(1)
	}
	w.log.Info("config loaded",
		zap.String("hash", short(hash)),
		zap.Bool("initial", prev == nil),
		zap.Strings("entities", snap.Entities),
		zap.Duration("took", time.Since(started)))

	w.hooksMu.RLock()
	hooks := make([]func(Snapshot), len(w.hooks))
	copy(hooks, w.hooks)
	w.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(*snap)
	}
	return ResultRebuilt, nil
}

// entityNames keeps configuration order for the loaded entities.
func entityNames(raw *dsl.Object, models map[string]*registry.Model) []string {
	out := make([]string, 0, len(models))
	for _, k := range raw.Keys() {
		if _, ok := models[k]; ok {
			out = append(out, k)
		}
	}
	return out
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}

// Start polls once immediately and then on every interval until Stop.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.isRunning {
		w.mu.Unlock()
		return nil
	}
	w.isRunning = true
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.wg.Add(1)
	w.mu.Unlock()

	go w.run(ctx)

	w.log.Info("config watcher started", zap.Duration("interval", w.cfg.Interval))
	return nil
}

func (w *Watcher) run(ctx context.Context) {
	defer w.wg.Done()

	_, _ = w.Poll(ctx)

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.log.Debug("config watcher loop stopping")
			return
		case <-ticker.C:
			_, _ = w.Poll(ctx)
		}
	}
}

// Stop cancels the loop and waits for the running poll, bounded by ctx.
func (w *Watcher) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.isRunning {
		w.mu.Unlock()
		return nil
	}
	w.isRunning = false
	cancel := w.cancel
	w.cancel = nil
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.log.Info("config watcher stopped gracefully")
		return nil
	case <-ctx.Done():
		w.log.Warn("config watcher stop timed out")
		return ctx.Err()
	}
}
