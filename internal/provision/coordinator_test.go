package provision

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/inviterr/inviterr/internal/mediaserver"
	"github.com/inviterr/inviterr/internal/model"
)

// fakeClient counts concurrent calls and can be told to fail.
type fakeClient struct {
	delay    time.Duration
	fail     error
	inFlight int64
	maxSeen  int64
	calls    int64
}

func (f *fakeClient) CreateAccount(ctx context.Context, p mediaserver.DesiredProfile) (mediaserver.AccountRef, error) {
	cur := atomic.AddInt64(&f.inFlight, 1)
	defer atomic.AddInt64(&f.inFlight, -1)
	for {
		max := atomic.LoadInt64(&f.maxSeen)
		if cur <= max || atomic.CompareAndSwapInt64(&f.maxSeen, max, cur) {
			break
		}
	}
	atomic.AddInt64(&f.calls, 1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return mediaserver.AccountRef{}, ctx.Err()
		}
	}
	if f.fail != nil {
		return mediaserver.AccountRef{}, f.fail
	}
	return mediaserver.AccountRef{ID: "ext-" + p.Username, Username: p.Username}, nil
}

func (f *fakeClient) ListLibraries(ctx context.Context) ([]mediaserver.Library, error) {
	return []mediaserver.Library{{ID: "1", Name: "Movies"}}, nil
}

func server(id uint64) model.MediaServer {
	return model.MediaServer{ID: id, Name: fmt.Sprintf("srv-%d", id), Kind: "plex", Enabled: true}
}

func TestSubmitReturnsResult(t *testing.T) {
	t.Parallel()

	fc := &fakeClient{}
	c := NewCoordinator(func(model.MediaServer) mediaserver.Client { return fc }, 2, zerolog.Nop())
	defer c.Close()

	res := <-c.Submit(context.Background(), server(1), mediaserver.DesiredProfile{Username: "alice"})
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if res.ServerID != 1 || res.Account.ID != "ext-alice" {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestPerServerConcurrencyCap(t *testing.T) {
	t.Parallel()

	fc := &fakeClient{delay: 30 * time.Millisecond}
	c := NewCoordinator(func(model.MediaServer) mediaserver.Client { return fc }, 2, zerolog.Nop())
	defer c.Close()

	const n = 10
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-c.Submit(context.Background(), server(7), mediaserver.DesiredProfile{Username: fmt.Sprintf("u%d", i)})
		}(i)
	}
	wg.Wait()

	if got := atomic.LoadInt64(&fc.calls); got != n {
		t.Fatalf("want %d calls, got %d", n, got)
	}
	if max := atomic.LoadInt64(&fc.maxSeen); max > 2 {
		t.Errorf("concurrency cap exceeded: saw %d in flight", max)
	}
}

func TestSlowServerDoesNotBlockOthers(t *testing.T) {
	t.Parallel()

	slow := &fakeClient{delay: 500 * time.Millisecond}
	fast := &fakeClient{}
	clients := func(s model.MediaServer) mediaserver.Client {
		if s.ID == 1 {
			return slow
		}
		return fast
	}
	c := NewCoordinator(clients, 1, zerolog.Nop())
	defer c.Close()

	// Occupy the slow server's single worker.
	slowRes := c.Submit(context.Background(), server(1), mediaserver.DesiredProfile{Username: "slowpoke"})

	start := time.Now()
	res := <-c.Submit(context.Background(), server(2), mediaserver.DesiredProfile{Username: "quick"})
	if res.Err != nil {
		t.Fatalf("fast server errored: %v", res.Err)
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Errorf("fast server waited on slow server's pool: %v", elapsed)
	}
	<-slowRes
}

func TestFailurePropagatesTaggedResult(t *testing.T) {
	t.Parallel()

	fc := &fakeClient{fail: mediaserver.ErrQuotaExceeded}
	c := NewCoordinator(func(model.MediaServer) mediaserver.Client { return fc }, 1, zerolog.Nop())
	defer c.Close()

	res := <-c.Submit(context.Background(), server(3), mediaserver.DesiredProfile{Username: "bob"})
	if res.Err == nil {
		t.Fatal("want error result")
	}
	if res.ServerID != 3 {
		t.Errorf("result must be tagged with its server id, got %d", res.ServerID)
	}
}

func TestSubmitHonorsCancelledContext(t *testing.T) {
	t.Parallel()

	fc := &fakeClient{delay: time.Second}
	c := NewCoordinator(func(model.MediaServer) mediaserver.Client { return fc }, 1, zerolog.Nop())
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := <-c.Submit(ctx, server(4), mediaserver.DesiredProfile{Username: "late"})
	if res.Err == nil {
		t.Fatal("want context error for cancelled submission")
	}
}
