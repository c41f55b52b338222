package backend

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/puddle/v2"

	"github.com/justjake/mylink/pkg/mywire"
)

// Pool stashes idle, authenticated server connections so later clients can
// skip the full handshake. Capacity is enforced with a puddle ticket pool:
// every stashed connection holds a ticket, and when no ticket is available
// the connection is refused and the caller closes it instead.
//
// The pool does not expire entries on its own; lifecycle policy beyond
// capacity belongs to the owner.
type Pool struct {
	logger  *slog.Logger
	tickets *puddle.Pool[ticket]

	mu   sync.Mutex
	idle map[string][]*idleConn
}

type ticket struct{}

type idleConn struct {
	conn     *ServerConn
	resource *puddle.Resource[ticket]
	since    time.Time
}

func NewPool(maxIdle int32, logger *slog.Logger) *Pool {
	tickets, err := puddle.NewPool(&puddle.Config[ticket]{
		Constructor: func(ctx context.Context) (ticket, error) {
			return ticket{}, nil
		},
		Destructor: func(ticket) {},
		MaxSize:    maxIdle,
	})
	if err != nil {
		panic(err)
	}

	// puddle constructs resources in the background, so a TryAcquire against
	// an empty pool would report no capacity even when there is plenty. Fill
	// the ticket pool up front so every Stash under capacity finds an idle
	// ticket immediately.
	for i := int32(0); i < maxIdle; i++ {
		if err := tickets.CreateResource(context.Background()); err != nil {
			break
		}
	}

	return &Pool{
		logger:  logger,
		tickets: tickets,
		idle:    make(map[string][]*idleConn),
	}
}

// Stash offers a connection to the pool. It reports whether the pool kept
// it; on false the caller still owns the connection and should close it.
func (p *Pool) Stash(ctx context.Context, conn *ServerConn) bool {
	if !conn.Open() || !conn.GreetingSeen() {
		return false
	}

	res, err := p.tickets.TryAcquire(ctx)
	if err != nil {
		// No capacity (or the pool is shutting down).
		return false
	}

	p.mu.Lock()
	p.idle[conn.Endpoint] = append(p.idle[conn.Endpoint], &idleConn{
		conn:     conn,
		resource: res,
		since:    time.Now(),
	})
	p.mu.Unlock()

	p.logger.Debug("stashed server connection",
		slog.String("endpoint", conn.Endpoint),
		slog.String("username", conn.Username))
	return true
}

// Take removes and returns an idle connection to endpoint, preferring one
// already authenticated as username with exactly attrs. Returns nil when
// the pool has nothing for that endpoint.
func (p *Pool) Take(endpoint string, username string, attrs mywire.Attributes) *ServerConn {
	p.mu.Lock()
	list := p.idle[endpoint]
	if len(list) == 0 {
		p.mu.Unlock()
		return nil
	}

	pick := 0
	for i, entry := range list {
		if entry.conn.MatchesIdentity(username, attrs) {
			pick = i
			break
		}
	}

	entry := list[pick]
	list = append(list[:pick], list[pick+1:]...)
	if len(list) == 0 {
		delete(p.idle, endpoint)
	} else {
		p.idle[endpoint] = list
	}
	p.mu.Unlock()

	entry.resource.Release()

	p.logger.Debug("reusing pooled server connection",
		slog.String("endpoint", endpoint),
		slog.String("username", entry.conn.Username),
		slog.Duration("idle", time.Since(entry.since)))
	return entry.conn
}

// Len returns the number of stashed connections across all endpoints.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, list := range p.idle {
		n += len(list)
	}
	return n
}

// Close tears down every stashed connection and refuses further stashes.
func (p *Pool) Close() {
	p.mu.Lock()
	idle := p.idle
	p.idle = make(map[string][]*idleConn)
	p.mu.Unlock()

	for _, list := range idle {
		for _, entry := range list {
			_ = entry.conn.Close()
			entry.resource.Release()
		}
	}
	p.tickets.Close()
}
