package backend

import (
	"context"
	"errors"

	"github.com/go-mysql-org/go-mysql/mysql"

	"github.com/justjake/mylink/pkg/mywire"
)

// SequenceSentinel is written into SequenceID when no command is in flight,
// so a desynchronized packet is detectable instead of silently accepted.
const SequenceSentinel uint8 = 0xff

var ErrServerConnClosed = errors.New("server connection is closed")

// ServerConn is the proxy's record of one server connection: the transport
// exchange plus the protocol state the routing layer uses to decide whether
// and how the connection can be reused for another client.
type ServerConn struct {
	Endpoint string

	// Identity the connection was last authenticated as.
	Username       string
	Schema         string
	SentAttributes mywire.Attributes

	// Learned from the server greeting and handshake.
	ServerVersion string
	ConnectionID  uint32
	Capabilities  uint32
	// ClientFlags are the capabilities negotiated for the current session.
	// COM_SET_OPTION flips the CLIENT_MULTI_STATEMENTS bit in place.
	ClientFlags uint32

	// Last observed status flags.
	StatusFlags uint16
	// SequenceID the next packet would carry; SequenceSentinel between
	// commands.
	SequenceID uint8

	exchange Exchange
	greeted  bool
	closed   bool
}

// NewServerConn wraps a freshly dialed exchange. The greeting has not been
// read yet; call Greet before anything else.
func NewServerConn(endpoint string, ex Exchange) *ServerConn {
	return &ServerConn{
		Endpoint:   endpoint,
		SequenceID: SequenceSentinel,
		exchange:   ex,
	}
}

// Open reports whether the transport is usable.
func (c *ServerConn) Open() bool {
	return c != nil && c.exchange != nil && !c.closed
}

// GreetingSeen reports whether the server greeting was consumed. A pooled
// connection has always seen its greeting; a freshly dialed one has not.
func (c *ServerConn) GreetingSeen() bool {
	return c.greeted
}

// Greet reads the server greeting and records what it announced.
func (c *ServerConn) Greet(ctx context.Context) error {
	if !c.Open() {
		return ErrServerConnClosed
	}
	g, err := c.exchange.Greet(ctx)
	if err != nil {
		return err
	}
	c.greeted = true
	c.ServerVersion = g.ServerVersion
	c.ConnectionID = g.ConnectionID
	c.Capabilities = g.Capabilities
	return nil
}

// Authenticate completes the handshake and records the session identity.
func (c *ServerConn) Authenticate(ctx context.Context, creds Credentials) error {
	if !c.Open() {
		return ErrServerConnClosed
	}
	if err := c.exchange.Authenticate(ctx, creds); err != nil {
		return err
	}
	c.rememberIdentity(creds)
	return nil
}

// ChangeUser re-authenticates as a different identity and records it.
func (c *ServerConn) ChangeUser(ctx context.Context, creds Credentials) error {
	if !c.Open() {
		return ErrServerConnClosed
	}
	if err := c.exchange.ChangeUser(ctx, creds); err != nil {
		return err
	}
	c.rememberIdentity(creds)
	return nil
}

// ResetConnection clears server-side session state. Identity is unchanged.
func (c *ServerConn) ResetConnection(ctx context.Context) error {
	if !c.Open() {
		return ErrServerConnClosed
	}
	return c.exchange.ResetConnection(ctx)
}

// SetOption toggles a session option on the server.
func (c *ServerConn) SetOption(ctx context.Context, opt mywire.ServerOption) error {
	if !c.Open() {
		return ErrServerConnClosed
	}
	if err := c.exchange.SetOption(ctx, opt); err != nil {
		return err
	}
	switch opt {
	case mywire.MultiStatementsOn:
		c.ClientFlags |= mysql.CLIENT_MULTI_STATEMENTS
	case mywire.MultiStatementsOff:
		c.ClientFlags &^= mysql.CLIENT_MULTI_STATEMENTS
	}
	return nil
}

// InitSchema switches the session's default schema and records it.
func (c *ServerConn) InitSchema(ctx context.Context, schema string) error {
	if !c.Open() {
		return ErrServerConnClosed
	}
	if err := c.exchange.InitSchema(ctx, schema); err != nil {
		return err
	}
	c.Schema = schema
	return nil
}

// Query sends one statement, streaming the result into h.
func (c *ServerConn) Query(ctx context.Context, stmt string, h mywire.ResultHandler) error {
	if !c.Open() {
		return ErrServerConnClosed
	}
	return c.exchange.Query(ctx, stmt, h)
}

// Quit sends COM_QUIT and closes the transport.
func (c *ServerConn) Quit(ctx context.Context) error {
	if !c.Open() {
		return ErrServerConnClosed
	}
	_ = c.exchange.Quit(ctx)
	return c.Close()
}

// Close tears down the transport. Safe to call more than once.
func (c *ServerConn) Close() error {
	if c == nil || c.closed || c.exchange == nil {
		return nil
	}
	c.closed = true
	return c.exchange.Close()
}

// MatchesIdentity reports whether the connection is authenticated as the
// given user with exactly the given handshake attributes.
func (c *ServerConn) MatchesIdentity(username string, attrs mywire.Attributes) bool {
	return c.Username == username && c.SentAttributes.Equal(attrs)
}

func (c *ServerConn) rememberIdentity(creds Credentials) {
	c.Username = creds.Username
	c.Schema = creds.Schema
	c.SentAttributes = creds.Attributes
	c.ClientFlags = creds.ClientFlags
}
