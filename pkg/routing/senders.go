package routing

import (
	"context"

	"github.com/go-mysql-org/go-mysql/mysql"

	"github.com/justjake/mylink/pkg/mywire"
)

// The small one-command senders below share a shape: run one round trip on
// the bound server connection, turn a server ERR reply into a
// reconciliation failure, and treat a transport error as fatal for the
// whole connection.

// ChangeUserSender re-authenticates a reused server connection as the
// current client, wiping all server-side session state.
type ChangeUserSender struct {
	conn *Conn
	fail func(*mysql.MyError)
}

func NewChangeUserSender(conn *Conn, fail func(*mysql.MyError)) *ChangeUserSender {
	return &ChangeUserSender{conn: conn, fail: fail}
}

func (p *ChangeUserSender) Process(ctx context.Context) (Result, error) {
	return finishSend(p.conn.server.ChangeUser(ctx, p.conn.clientState.Credentials()), p.fail)
}

// ResetConnectionSender wipes server-side session state on a reused
// connection that is already authenticated as the right identity.
type ResetConnectionSender struct {
	conn *Conn
	fail func(*mysql.MyError)
}

func NewResetConnectionSender(conn *Conn, fail func(*mysql.MyError)) *ResetConnectionSender {
	return &ResetConnectionSender{conn: conn, fail: fail}
}

func (p *ResetConnectionSender) Process(ctx context.Context) (Result, error) {
	return finishSend(p.conn.server.ResetConnection(ctx), p.fail)
}

// SetOptionSender aligns the server session's multi-statement option with
// the client's capability flags.
type SetOptionSender struct {
	conn   *Conn
	option mywire.ServerOption
	fail   func(*mysql.MyError)
}

func NewSetOptionSender(conn *Conn, option mywire.ServerOption, fail func(*mysql.MyError)) *SetOptionSender {
	return &SetOptionSender{conn: conn, option: option, fail: fail}
}

func (p *SetOptionSender) Process(ctx context.Context) (Result, error) {
	return finishSend(p.conn.server.SetOption(ctx, p.option), p.fail)
}

// InitSchemaSender switches the server session's default schema to the
// client's.
type InitSchemaSender struct {
	conn   *Conn
	schema string
	fail   func(*mysql.MyError)
}

func NewInitSchemaSender(conn *Conn, schema string, fail func(*mysql.MyError)) *InitSchemaSender {
	return &InitSchemaSender{conn: conn, schema: schema, fail: fail}
}

func (p *InitSchemaSender) Process(ctx context.Context) (Result, error) {
	return finishSend(p.conn.server.InitSchema(ctx, p.schema), p.fail)
}

// QuitSender says goodbye to the server and detaches the connection. Used
// when a healthy connection cannot go back to the pool.
type QuitSender struct {
	conn *Conn
}

func NewQuitSender(conn *Conn) *QuitSender {
	return &QuitSender{conn: conn}
}

func (p *QuitSender) Process(ctx context.Context) (Result, error) {
	_ = p.conn.server.Quit(ctx)
	p.conn.server = nil
	return ResultDone, nil
}

func finishSend(err error, fail func(*mysql.MyError)) (Result, error) {
	if err == nil {
		return ResultDone, nil
	}
	if my, ok := asServerError(err); ok {
		fail(my)
		return ResultDone, nil
	}
	return ResultDone, err
}
