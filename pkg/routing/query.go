package routing

import (
	"context"
	"log/slog"

	"github.com/justjake/mylink/pkg/mywire"
)

// QuerySender runs one administrative statement on the bound server
// connection and streams the result into its handler. Server errors are the
// handler's business; a transport error kills the connection.
type QuerySender struct {
	conn    *Conn
	stmt    string
	handler mywire.ResultHandler
}

func NewQuerySender(conn *Conn, stmt string, handler mywire.ResultHandler) *QuerySender {
	return &QuerySender{conn: conn, stmt: stmt, handler: handler}
}

func (p *QuerySender) Process(ctx context.Context) (Result, error) {
	p.conn.logger.Debug("sending statement", slog.String("statement", p.stmt))
	if err := p.conn.server.Query(ctx, p.stmt, p.handler); err != nil {
		return ResultDone, err
	}
	return ResultDone, nil
}
