package orderbook

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"depthsync/internal/logger"
	"depthsync/internal/metrics"
)

// Registry maps symbols to their running engines. Engines are created on
// Subscribe and stopped on Unsubscribe; nothing else creates or destroys
// them.
type Registry struct {
	ctx     context.Context
	fetcher SnapshotFetcher
	opts    []Option

	mu      sync.RWMutex
	engines map[string]*registration
}

type registration struct {
	engine *Engine
	cancel context.CancelFunc
}

// NewRegistry returns a registry whose engines live until ctx is cancelled
// or they are unsubscribed. opts apply to every engine it creates.
func NewRegistry(ctx context.Context, fetcher SnapshotFetcher, opts ...Option) *Registry {
	return &Registry{
		ctx:     ctx,
		fetcher: fetcher,
		opts:    opts,
		engines: make(map[string]*registration),
	}
}

// NormalizeSymbol is the registry key for a symbol.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// Subscribe starts an engine for symbol, or returns the running one.
func (r *Registry) Subscribe(symbol string, extra ...Option) *Engine {
	symbol = NormalizeSymbol(symbol)

	r.mu.Lock()
	defer r.mu.Unlock()
	if reg, ok := r.engines[symbol]; ok {
		return reg.engine
	}

	opts := append(append([]Option{}, r.opts...), extra...)
	engine := NewEngine(symbol, r.fetcher, opts...)
	ctx, cancel := context.WithCancel(r.ctx)
	r.engines[symbol] = &registration{engine: engine, cancel: cancel}
	go func() {
		_ = engine.Run(ctx)
	}()

	logger.Info(r.ctx, "symbol subscribed", zap.String("symbol", symbol))
	return engine
}

// Unsubscribe stops and forgets the engine for symbol.
func (r *Registry) Unsubscribe(symbol string) error {
	symbol = NormalizeSymbol(symbol)

	r.mu.Lock()
	reg, ok := r.engines[symbol]
	delete(r.engines, symbol)
	r.mu.Unlock()
	if !ok {
		return ErrUnknownSymbol
	}

	reg.cancel()
	<-reg.engine.Done()
	metrics.Forget(symbol)
	logger.Info(r.ctx, "symbol unsubscribed", zap.String("symbol", symbol))
	return nil
}

// Engine returns the engine for symbol.
func (r *Registry) Engine(symbol string) (*Engine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.engines[NormalizeSymbol(symbol)]
	if !ok {
		return nil, false
	}
	return reg.engine, true
}

// Dispatch routes ev to the engine for its symbol. Events for symbols that
// are not subscribed are ignored.
func (r *Registry) Dispatch(ctx context.Context, ev DiffEvent) error {
	engine, ok := r.Engine(ev.Symbol)
	if !ok {
		metrics.DiffDiscarded.WithLabelValues("", "cross_symbol").Inc()
		return nil
	}
	ev.Symbol = engine.Symbol()
	return engine.OnDiff(ctx, ev)
}

// Symbols lists subscribed symbols in sorted order.
func (r *Registry) Symbols() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.engines))
	for s := range r.engines {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Statuses reports every engine in symbol order.
func (r *Registry) Statuses(ctx context.Context) ([]StatusReport, error) {
	symbols := r.Symbols()
	out := make([]StatusReport, 0, len(symbols))
	for _, s := range symbols {
		engine, ok := r.Engine(s)
		if !ok {
			continue
		}
		st, err := engine.Status(ctx)
		if err != nil {
			if errors.Is(err, ErrEngineClosed) {
				continue
			}
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// Close stops every engine and waits for them to exit.
func (r *Registry) Close() {
	r.mu.Lock()
	regs := r.engines
	r.engines = make(map[string]*registration)
	r.mu.Unlock()

	for _, reg := range regs {
		reg.cancel()
	}
	for _, reg := range regs {
		<-reg.engine.Done()
	}
}
