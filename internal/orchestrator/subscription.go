package orchestrator

import (
	"context"
	"sync"
	"time"

	"feed-orchestrator/internal/transport"
)

// State is the lifecycle position of one instrument subscription.
type State string

const (
	StateUnsubscribed State = "unsubscribed"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDegraded     State = "degraded"
	StateFailingOver  State = "failing_over"
)

// Subscription binds one instrument to exactly one active provider. At
// most one live connection owns an instrument key at any instant; a
// failover tears the old binding down before establishing the new one.
type Subscription struct {
	mu sync.Mutex

	instrument string
	class      string
	providerID string
	state      State
	createdAt  time.Time

	messagesReceived int64
	lastMessageAt    time.Time
	failovers        int

	handle *transport.Handle
	cancel context.CancelFunc
}

// SubscriptionStatus is a safe-to-publish copy of subscription state.
type SubscriptionStatus struct {
	Instrument       string
	Class            string
	ProviderID       string
	State            State
	CreatedAt        time.Time
	MessagesReceived int64
	LastMessageAt    time.Time
	Failovers        int
}

func (s *Subscription) status() SubscriptionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SubscriptionStatus{
		Instrument:       s.instrument,
		Class:            s.class,
		ProviderID:       s.providerID,
		State:            s.state,
		CreatedAt:        s.createdAt,
		MessagesReceived: s.messagesReceived,
		LastMessageAt:    s.lastMessageAt,
		Failovers:        s.failovers,
	}
}

// noteMessage updates delivery counters for one inbound tick.
func (s *Subscription) noteMessage(at time.Time) {
	s.mu.Lock()
	s.messagesReceived++
	s.lastMessageAt = at
	s.mu.Unlock()
}

// bind installs a new provider connection under the subscription.
func (s *Subscription) bind(providerID string, handle *transport.Handle, cancel context.CancelFunc, state State) {
	s.mu.Lock()
	s.providerID = providerID
	s.handle = handle
	s.cancel = cancel
	s.state = state
	s.mu.Unlock()
}

// beginFailover claims the subscription for one failover in a single
// critical section: ineligible states are rejected, the state moves to
// FailingOver, and the current binding is stripped so the caller can
// tear it down outside the lock. Concurrent triggers race for the claim
// and at most one wins.
func (s *Subscription) beginFailover() (string, *transport.Handle, context.CancelFunc, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateFailingOver || s.state == StateUnsubscribed {
		return "", nil, nil, false
	}
	from := s.providerID
	handle := s.handle
	cancel := s.cancel
	s.handle = nil
	s.cancel = nil
	s.state = StateFailingOver
	return from, handle, cancel, true
}

// detach removes the current binding and returns what was bound so the
// caller can tear it down outside the lock.
func (s *Subscription) detach(next State) (*transport.Handle, context.CancelFunc) {
	s.mu.Lock()
	handle := s.handle
	cancel := s.cancel
	s.handle = nil
	s.cancel = nil
	s.state = next
	s.mu.Unlock()
	return handle, cancel
}
