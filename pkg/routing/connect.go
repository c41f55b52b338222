package routing

import (
	"context"
	"log/slog"

	"github.com/go-mysql-org/go-mysql/mysql"

	"github.com/justjake/mylink/pkg/backend"
)

// ConnectProcessor binds a server connection to the session: a pooled one
// when any candidate endpoint has a match, a freshly dialed one otherwise.
// The handshake on a fresh connection is not its job; it leaves the
// connection with its greeting unread.
type ConnectProcessor struct {
	conn *Conn
	fail func(*mysql.MyError)
}

func NewConnectProcessor(conn *Conn, fail func(*mysql.MyError)) *ConnectProcessor {
	return &ConnectProcessor{conn: conn, fail: fail}
}

func (p *ConnectProcessor) Process(ctx context.Context) (Result, error) {
	c := p.conn

	candidates := c.destinations.Candidates(c.expectedMode)
	if len(candidates) == 0 {
		p.fail(noDestinationsError(c.expectedMode))
		return ResultDone, nil
	}

	// Pooled connections beat fresh ones on every candidate.
	for _, dest := range candidates {
		if sc := c.pool.Take(dest.Address, c.clientState.Username, c.clientState.Attributes); sc != nil {
			c.server = sc
			c.metrics.RecordServerConnect(dest.Address, "pooled")
			return ResultDone, nil
		}
	}

	var lastAddr string
	var lastErr error
	for _, dest := range candidates {
		ex, err := c.dialer.Dial(ctx, dest.Address)
		if err != nil {
			c.logger.Debug("dial failed, trying next destination",
				slog.String("destination", dest.Address),
				slog.String("error", err.Error()))
			lastAddr, lastErr = dest.Address, err
			continue
		}
		c.server = backend.NewServerConn(dest.Address, ex)
		c.metrics.RecordServerConnect(dest.Address, "fresh")
		return ResultDone, nil
	}

	p.fail(cantConnectError(lastAddr, lastErr))
	return ResultDone, nil
}
