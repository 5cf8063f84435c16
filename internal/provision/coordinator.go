// Package provision executes account creation against external media
// servers. Work is message passing end to end: callers submit a task
// and receive a tagged result on a channel, and each server gets its
// own bounded worker pool so one slow or rate-limited backend never
// blocks provisioning on the others.
package provision

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/inviterr/inviterr/internal/mediaserver"
	"github.com/inviterr/inviterr/internal/model"
)

// ClientFunc builds the capability client for one server. Injected so
// tests can substitute fakes without touching the pool machinery.
type ClientFunc func(server model.MediaServer) mediaserver.Client

// Result is the tagged outcome of one provisioning task. Partial
// success across servers is normal; each result stands alone.
type Result struct {
	ServerID uint64
	Account  mediaserver.AccountRef
	Err      error
}

type task struct {
	ctx     context.Context
	server  model.MediaServer
	profile mediaserver.DesiredProfile
	reply   chan Result
}

type pool struct {
	tasks chan task
}

// Coordinator owns one worker pool per server id. Pools are created
// lazily on first submission and live until Close.
type Coordinator struct {
	clients    ClientFunc
	perServer  int
	log        zerolog.Logger
	mu         sync.Mutex
	pools      map[uint64]*pool
	closed     bool
	workerWait sync.WaitGroup
}

// NewCoordinator builds a coordinator with the given per-server
// concurrency cap. A cap below one is raised to one.
func NewCoordinator(clients ClientFunc, perServer int, log zerolog.Logger) *Coordinator {
	if perServer < 1 {
		perServer = 1
	}
	return &Coordinator{
		clients:   clients,
		perServer: perServer,
		log:       log,
		pools:     make(map[uint64]*pool),
	}
}

// Submit queues one account creation for the given server and returns
// a channel that will carry exactly one Result. The channel is
// buffered; the caller may abandon it without leaking a worker.
func (c *Coordinator) Submit(ctx context.Context, server model.MediaServer, profile mediaserver.DesiredProfile) <-chan Result {
	reply := make(chan Result, 1)
	p := c.poolFor(server)
	if p == nil {
		reply <- Result{ServerID: server.ID, Err: context.Canceled}
		return reply
	}
	t := task{ctx: ctx, server: server, profile: profile, reply: reply}
	select {
	case p.tasks <- t:
	case <-ctx.Done():
		reply <- Result{ServerID: server.ID, Err: ctx.Err()}
	}
	return reply
}

func (c *Coordinator) poolFor(server model.MediaServer) *pool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	if p, ok := c.pools[server.ID]; ok {
		return p
	}
	p := &pool{tasks: make(chan task, c.perServer)}
	c.pools[server.ID] = p
	for i := 0; i < c.perServer; i++ {
		c.workerWait.Add(1)
		go c.worker(p)
	}
	c.log.Debug().Uint64("server_id", server.ID).Int("workers", c.perServer).Msg("provisioning pool started")
	return p
}

func (c *Coordinator) worker(p *pool) {
	defer c.workerWait.Done()
	for t := range p.tasks {
		if err := t.ctx.Err(); err != nil {
			t.reply <- Result{ServerID: t.server.ID, Err: err}
			continue
		}
		client := c.clients(t.server)
		ref, err := client.CreateAccount(t.ctx, t.profile)
		if err != nil {
			c.log.Warn().Uint64("server_id", t.server.ID).Str("username", t.profile.Username).
				Err(err).Msg("account creation failed")
		}
		t.reply <- Result{ServerID: t.server.ID, Account: ref, Err: err}
	}
}

// Close shuts down every pool and waits for in-flight tasks to finish.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for _, p := range c.pools {
		close(p.tasks)
	}
	c.mu.Unlock()
	c.workerWait.Wait()
}
