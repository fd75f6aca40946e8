package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Handle binds an open connection to the provider that owns it.
type Handle struct {
	ProviderID string
	Endpoint   string
	Conn       Conn
	OpenedAt   time.Time
}

// PoolStats are cumulative connection-count statistics.
type PoolStats struct {
	Opened   int64
	Reused   int64
	Failed   int64
	Released int64
	Closed   int64
	Active   int
	Idle     int
}

// Pool owns the transport connections per provider. Acquire reuses an
// idle open connection when one exists and dials otherwise. The pool
// holds no retry logic; a failed open is returned to the orchestrator,
// which owns backup selection.
type Pool struct {
	mu      sync.Mutex
	idle    map[string][]*Handle
	active  map[*Handle]bool
	factory Factory
	stats   PoolStats
	logger  zerolog.Logger
}

// NewPool constructs a Pool over the transport factory.
func NewPool(factory Factory, logger zerolog.Logger) *Pool {
	return &Pool{
		idle:    make(map[string][]*Handle),
		active:  make(map[*Handle]bool),
		factory: factory,
		logger:  logger.With().Str("component", "connection_pool").Logger(),
	}
}

// Acquire returns an open connection for the provider, reusing an idle
// one when available. The dial happens outside the pool lock so one slow
// provider never stalls acquisitions for others.
func (p *Pool) Acquire(ctx context.Context, providerID, endpoint string) (*Handle, error) {
	p.mu.Lock()
	if handles := p.idle[providerID]; len(handles) > 0 {
		h := handles[len(handles)-1]
		p.idle[providerID] = handles[:len(handles)-1]
		p.active[h] = true
		p.stats.Reused++
		p.mu.Unlock()
		p.logger.Debug().Str("provider", providerID).Msg("reusing idle connection")
		return h, nil
	}
	p.mu.Unlock()

	conn, err := p.factory.Open(ctx, endpoint)
	if err != nil {
		p.mu.Lock()
		p.stats.Failed++
		p.mu.Unlock()
		return nil, fmt.Errorf("open connection to %s: %w", providerID, err)
	}

	h := &Handle{
		ProviderID: providerID,
		Endpoint:   endpoint,
		Conn:       conn,
		OpenedAt:   time.Now().UTC(),
	}
	p.mu.Lock()
	p.active[h] = true
	p.stats.Opened++
	p.mu.Unlock()

	p.logger.Debug().Str("provider", providerID).Str("endpoint", endpoint).Msg("opened connection")
	return h, nil
}

// Release returns a healthy connection to the idle set for reuse.
func (p *Pool) Release(h *Handle) {
	if h == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.active[h] {
		return
	}
	delete(p.active, h)
	p.idle[h.ProviderID] = append(p.idle[h.ProviderID], h)
	p.stats.Released++
}

// Close tears down a specific connection and forgets it.
func (p *Pool) Close(h *Handle) error {
	if h == nil {
		return nil
	}
	p.mu.Lock()
	delete(p.active, h)
	handles := p.idle[h.ProviderID]
	for i, idle := range handles {
		if idle == h {
			p.idle[h.ProviderID] = append(handles[:i], handles[i+1:]...)
			break
		}
	}
	p.stats.Closed++
	p.mu.Unlock()
	return h.Conn.Close()
}

// CloseAll tears down every known connection, active and idle.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	var all []*Handle
	for h := range p.active {
		all = append(all, h)
	}
	for id, handles := range p.idle {
		all = append(all, handles...)
		p.idle[id] = nil
	}
	p.active = make(map[*Handle]bool)
	p.stats.Closed += int64(len(all))
	p.mu.Unlock()

	for _, h := range all {
		_ = h.Conn.Close()
	}
}

// Stats returns a copy of the connection-count statistics.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	stats := p.stats
	stats.Active = len(p.active)
	for _, handles := range p.idle {
		stats.Idle += len(handles)
	}
	return stats
}
