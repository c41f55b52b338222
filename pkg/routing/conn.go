package routing

import (
	"context"
	"crypto/tls"
	"log/slog"
	"time"

	"github.com/go-mysql-org/go-mysql/mysql"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/justjake/mylink/pkg/backend"
	"github.com/justjake/mylink/pkg/mywire"
	"github.com/justjake/mylink/pkg/observability"
)

// ClientChannel is the client half of a proxied session. The wire codec
// behind it is owned by the caller; the routing layer only queues replies
// and asks for them to be flushed.
type ClientChannel interface {
	// SendOK queues an OK packet for the client.
	SendOK(ok mywire.Ok) error
	// Flush writes everything queued so far.
	Flush() error
	// TLSState returns the client link's TLS state, or nil for plaintext.
	TLSState() *tls.ConnectionState
}

// ClientState is what the proxy knows about the client session.
type ClientState struct {
	Username     string
	Schema       string
	Attributes   mywire.Attributes
	Capabilities uint32
	// Password is the client's password if the proxy learned it during
	// authentication; nil otherwise.
	Password *string
}

// Credentials returns the identity a server session should be opened with
// on this client's behalf.
func (s *ClientState) Credentials() backend.Credentials {
	return backend.Credentials{
		Username:    s.Username,
		Password:    s.Password,
		Schema:      s.Schema,
		Attributes:  s.Attributes,
		ClientFlags: s.Capabilities,
	}
}

// Settings are the routing knobs one connection follows. They are fixed for
// the connection's lifetime.
type Settings struct {
	// ConnectionSharing allows the server connection to be pooled and
	// multiplexed between clients when the session state is fully known.
	ConnectionSharing bool
	// ConnectRetryTimeout bounds how long transient connect and handshake
	// failures are retried before giving up.
	ConnectRetryTimeout time.Duration
	// WaitForMyWrites makes read-only sessions wait until the replica has
	// applied the client's own writes before running anything on it.
	WaitForMyWrites bool
	// WaitForMyWritesTimeout bounds that wait. Zero checks the GTID set
	// without waiting at all.
	WaitForMyWritesTimeout time.Duration
	// RouterRequireEnforce fetches and enforces the account's required
	// client-channel attributes during the handshake.
	RouterRequireEnforce bool
}

// ConnOptions wires up a Conn.
type ConnOptions struct {
	Logger       *slog.Logger
	Tracer       trace.Tracer
	Metrics      *observability.Metrics
	Client       ClientChannel
	ClientState  ClientState
	Dialer       backend.Dialer
	Destinations *backend.Destinations
	Pool         *backend.Pool
	Settings     Settings
	// ExpectedMode is the server role this session should be connected to.
	// Defaults to the primary.
	ExpectedMode backend.ServerMode
}

// Conn is one client connection and the server connection currently bound
// to it, plus the session state that must survive a change of server
// connections. A single goroutine drives it through Run.
type Conn struct {
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *observability.Metrics

	client      ClientChannel
	clientState ClientState

	dialer       backend.Dialer
	destinations *backend.Destinations
	pool         *backend.Pool
	settings     Settings

	// server is nil when no server connection is bound.
	server *backend.ServerConn

	// Session state replayed onto whatever server connection gets bound.
	sysVars            mywire.SystemVariables
	trxCharacteristics string
	expectedMode       backend.ServerMode
	gtidExecuted       string
	authenticated      bool

	// sharingBlocked latches when session state stops being fully
	// trackable; the connection then stays pinned to its client.
	sharingBlocked bool

	processors []Processor
	resumeCh   chan struct{}
	timer      *time.Timer
}

func NewConn(opts ConnOptions) *Conn {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("routing")
	}
	mode := opts.ExpectedMode
	if mode == backend.ModeUnavailable {
		mode = backend.ModeReadWrite
	}
	return &Conn{
		logger:       logger.With(slog.String("username", opts.ClientState.Username)),
		tracer:       tracer,
		metrics:      opts.Metrics,
		client:       opts.Client,
		clientState:  opts.ClientState,
		dialer:       opts.Dialer,
		destinations: opts.Destinations,
		pool:         opts.Pool,
		settings:     opts.Settings,
		expectedMode: mode,
		resumeCh:     make(chan struct{}, 1),
	}
}

// Push puts p on top of the processor stack.
func (c *Conn) Push(p Processor) {
	c.processors = append(c.processors, p)
}

// Run drives the processor stack until it drains or a processor fails.
// Returning a non-nil error means the connection is no longer usable.
func (c *Conn) Run(ctx context.Context) error {
	for len(c.processors) > 0 {
		top := c.processors[len(c.processors)-1]

		res, err := top.Process(ctx)
		if err != nil {
			c.stopTimer()
			return err
		}

		switch res {
		case ResultAgain:
		case ResultSuspend:
			select {
			case <-ctx.Done():
				c.stopTimer()
				return ctx.Err()
			case <-c.resumeCh:
			}
		case ResultSendToClient:
			if err := c.client.Flush(); err != nil {
				c.stopTimer()
				return err
			}
		case ResultDone:
			c.processors = c.processors[:len(c.processors)-1]
		}
	}
	return nil
}

// Resume wakes a suspended Run. Signals are coalesced.
func (c *Conn) Resume() {
	select {
	case c.resumeCh <- struct{}{}:
	default:
	}
}

// resumeAfter arms the connection timer to call Resume after d. The caller
// returns ResultSuspend right after.
func (c *Conn) resumeAfter(d time.Duration) {
	c.stopTimer()
	c.timer = time.AfterFunc(d, c.Resume)
}

func (c *Conn) stopTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// SharingPossible reports whether the server connection may still be handed
// to other clients.
func (c *Conn) SharingPossible() bool {
	return c.settings.ConnectionSharing && !c.sharingBlocked
}

// BlockSharing pins the server connection to this client for good. Called
// when session state can no longer be tracked completely.
func (c *Conn) BlockSharing(reason string) {
	if c.sharingBlocked {
		return
	}
	c.sharingBlocked = true
	c.logger.Debug("connection sharing disabled", slog.String("reason", reason))
}

// Authenticated reports whether the bound server connection finished its
// handshake on behalf of this client.
func (c *Conn) Authenticated() bool {
	return c.authenticated
}

// Server returns the bound server connection, or nil.
func (c *Conn) Server() *backend.ServerConn {
	return c.server
}

// SystemVariables is the session-variable store replayed during
// reconciliation. The forwarding layer feeds it from session-track data.
func (c *Conn) SystemVariables() *mywire.SystemVariables {
	return &c.sysVars
}

// SetTransactionCharacteristics records the statements that would recreate
// the session's open transaction state, as reported by the transaction
// tracker. Empty means no transaction state to carry over.
func (c *Conn) SetTransactionCharacteristics(stmt string) {
	c.trxCharacteristics = stmt
}

// NoteExecutedGTID records the GTID set the server attached to the
// client's most recent commit. Invalid sets are dropped.
func (c *Conn) NoteExecutedGTID(set string) {
	if set == "" {
		return
	}
	if _, err := mysql.ParseMysqlGTIDSet(set); err != nil {
		c.logger.Warn("ignoring malformed gtid set from session tracker",
			slog.String("error", err.Error()))
		return
	}
	c.gtidExecuted = set
}

// ExpectedMode returns the server role this session wants.
func (c *Conn) ExpectedMode() backend.ServerMode {
	return c.expectedMode
}

// SetExpectedMode switches the server role for the next reconciliation.
func (c *Conn) SetExpectedMode(mode backend.ServerMode) {
	c.expectedMode = mode
}

// statusFlags derives the status field for an OK packet sent to the client.
func (c *Conn) statusFlags() uint16 {
	if c.server.Open() && c.server.StatusFlags != 0 {
		return c.server.StatusFlags
	}
	return mysql.SERVER_STATUS_AUTOCOMMIT
}
