package transport

import (
	"context"
	"fmt"
	"sync"
)

// fakeConn is an in-memory Conn that records sent frames and replays
// scripted inbound frames.
type fakeConn struct {
	mu      sync.Mutex
	sent    [][]byte
	inbound [][]byte
	recvErr error
	closed  bool
}

func (c *fakeConn) Send(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("%w: closed", ErrTransport)
	}
	c.sent = append(c.sent, payload)
	return nil
}

func (c *fakeConn) Receive(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.recvErr != nil {
		return nil, c.recvErr
	}
	if len(c.inbound) == 0 {
		return nil, fmt.Errorf("%w: no frames queued", ErrTransport)
	}
	frame := c.inbound[0]
	c.inbound = c.inbound[1:]
	return frame, nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// fakeFactory hands out scripted connections per endpoint.
type fakeFactory struct {
	mu    sync.Mutex
	conns map[string][]*fakeConn
	errs  map[string]error
	opens int
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{
		conns: make(map[string][]*fakeConn),
		errs:  make(map[string]error),
	}
}

func (f *fakeFactory) queue(endpoint string, conn *fakeConn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conns[endpoint] = append(f.conns[endpoint], conn)
}

func (f *fakeFactory) failWith(endpoint string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[endpoint] = err
}

func (f *fakeFactory) Open(ctx context.Context, endpoint string) (Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	if err := f.errs[endpoint]; err != nil {
		return nil, err
	}
	if queued := f.conns[endpoint]; len(queued) > 0 {
		conn := queued[0]
		f.conns[endpoint] = queued[1:]
		return conn, nil
	}
	return &fakeConn{}, nil
}

var (
	_ Conn    = (*fakeConn)(nil)
	_ Factory = (*fakeFactory)(nil)
)
