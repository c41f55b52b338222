package routing

import (
	"context"

	"github.com/go-mysql-org/go-mysql/mysql"
)

// ServerGreetor takes a freshly dialed server connection through the full
// handshake: read the greeting, then authenticate as the client's identity.
// When the proxy never learned the client's password, the exchange relays
// the auth handshake to the client instead of answering itself.
type ServerGreetor struct {
	conn *Conn
	fail func(*mysql.MyError)
}

func NewServerGreetor(conn *Conn, fail func(*mysql.MyError)) *ServerGreetor {
	return &ServerGreetor{conn: conn, fail: fail}
}

func (p *ServerGreetor) Process(ctx context.Context) (Result, error) {
	sc := p.conn.server

	if err := sc.Greet(ctx); err != nil {
		// A server that refuses with an ERR packet instead of a greeting
		// (too many connections, host blocked) surfaces here too.
		p.fail(serverOrWrapped(err, crServerLost,
			"Lost connection to MySQL server at '%s' (reading initial communication packet)",
			sc.Endpoint))
		_ = sc.Close()
		return ResultDone, nil
	}

	if err := sc.Authenticate(ctx, p.conn.clientState.Credentials()); err != nil {
		p.fail(serverOrWrapped(err, crServerLost,
			"Lost connection to MySQL server at '%s' (during authentication)",
			sc.Endpoint))
		_ = sc.Close()
		return ResultDone, nil
	}

	return ResultDone, nil
}
