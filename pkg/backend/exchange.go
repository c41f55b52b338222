package backend

import (
	"context"

	"github.com/justjake/mylink/pkg/mywire"
)

// Greeting is the initial handshake packet a server sends when a transport
// connection opens.
type Greeting struct {
	ServerVersion string
	ConnectionID  uint32
	Capabilities  uint32
}

// Credentials identify who a server session should be authenticated as.
// A nil Password means the proxy never learned the client's password; the
// exchange then has to relay the auth exchange to the client instead of
// answering itself.
type Credentials struct {
	Username   string
	Password   *string
	Schema     string
	Attributes mywire.Attributes
	// ClientFlags are the capability flags to negotiate for the session,
	// CLIENT_MULTI_STATEMENTS among them.
	ClientFlags uint32
}

// PasswordKnown reports whether re-authentication is possible.
func (c Credentials) PasswordKnown() bool {
	return c.Password != nil
}

// Exchange performs protocol commands on one live server connection. The
// wire codec and socket handling live behind this interface; the routing
// layer only sequences commands and consumes their results.
//
// Every method blocks until the server's reply is fully consumed. Server
// error replies to Query are delivered through the handler; the returned
// error is reserved for transport-level failures, which leave the
// connection unusable.
type Exchange interface {
	// Greet reads the server greeting. It must be the first call on a
	// fresh connection.
	Greet(ctx context.Context) (Greeting, error)
	// Authenticate completes the handshake started by Greet.
	Authenticate(ctx context.Context, creds Credentials) error
	// ChangeUser re-authenticates an open session as a different identity,
	// resetting all session state.
	ChangeUser(ctx context.Context, creds Credentials) error
	// ResetConnection clears session state, keeping the current identity.
	ResetConnection(ctx context.Context) error
	// SetOption toggles a server option for the session.
	SetOption(ctx context.Context, opt mywire.ServerOption) error
	// InitSchema changes the session's default schema.
	InitSchema(ctx context.Context, schema string) error
	// Query sends one statement and streams its result into the handler.
	Query(ctx context.Context, stmt string, h mywire.ResultHandler) error
	// Quit tells the server the session is going away. Best effort; the
	// caller still owns Close.
	Quit(ctx context.Context) error
	// Close tears down the transport.
	Close() error
}

// Dialer opens transport connections to destinations.
type Dialer interface {
	Dial(ctx context.Context, addr string) (Exchange, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, addr string) (Exchange, error)

func (f DialerFunc) Dial(ctx context.Context, addr string) (Exchange, error) {
	return f(ctx, addr)
}
