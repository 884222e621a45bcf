package worker

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/ipfs-backfill/internal/backfill"
)

type gatewayReply struct {
	body []byte
	err  error
}

type fakeGateway struct {
	mu       sync.Mutex
	contents map[string]gatewayReply
	images   map[string]gatewayReply
	calls    []string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		contents: make(map[string]gatewayReply),
		images:   make(map[string]gatewayReply),
	}
}

func (g *fakeGateway) FetchContent(_ context.Context, hash string) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, hash)
	reply, ok := g.contents[hash]
	if !ok {
		return nil, &backfill.GatewayError{StatusCode: 404, Message: "not found"}
	}
	return reply.body, reply.err
}

func (g *fakeGateway) FetchImage(_ context.Context, url string) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, url)
	reply, ok := g.images[url]
	if !ok {
		return nil, &backfill.GatewayError{StatusCode: 404, Message: "not found"}
	}
	return reply.body, reply.err
}

func (g *fakeGateway) Calls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.calls...)
}

// fakeClock records sleeps. When hold is set, sleeps of that duration block
// until release is closed.
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	sleeps  []time.Duration
	hold    time.Duration
	release chan struct{}
	held    chan struct{}
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	block := c.release != nil && d == c.hold
	c.mu.Unlock()
	if !block {
		return nil
	}
	if c.held != nil {
		c.held <- struct{}{}
	}
	select {
	case <-c.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

type countingObserver struct {
	mu          sync.Mutex
	rows        map[string]int
	rateLimited int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{rows: make(map[string]int)}
}

func (o *countingObserver) ObserveRow(pipeline, outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rows[pipeline+"/"+outcome]++
}

func (o *countingObserver) ObserveRateLimited(string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rateLimited++
}

func (o *countingObserver) Rows(key string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.rows[key]
}

func (o *countingObserver) RateLimited() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.rateLimited
}
