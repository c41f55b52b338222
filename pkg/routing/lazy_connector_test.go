package routing

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/justjake/mylink/pkg/backend"
	"github.com/justjake/mylink/pkg/mywire"
)

// scriptedExchange plays the server side of one connection. Commands are
// recorded in order; query results are produced by onQuery, defaulting to a
// bare OK.
type scriptedExchange struct {
	greeting backend.Greeting
	greetErr error
	authErr  error

	onQuery func(stmt string, h mywire.ResultHandler)

	commands []string
	queries  []string
	closed   bool
}

func (f *scriptedExchange) Greet(ctx context.Context) (backend.Greeting, error) {
	f.commands = append(f.commands, "greet")
	if f.greetErr != nil {
		return backend.Greeting{}, f.greetErr
	}
	return f.greeting, nil
}

func (f *scriptedExchange) Authenticate(ctx context.Context, creds backend.Credentials) error {
	f.commands = append(f.commands, "authenticate")
	return f.authErr
}

func (f *scriptedExchange) ChangeUser(ctx context.Context, creds backend.Credentials) error {
	f.commands = append(f.commands, "change_user")
	return nil
}

func (f *scriptedExchange) ResetConnection(ctx context.Context) error {
	f.commands = append(f.commands, "reset_connection")
	return nil
}

func (f *scriptedExchange) SetOption(ctx context.Context, opt mywire.ServerOption) error {
	f.commands = append(f.commands, "set_option:"+opt.String())
	return nil
}

func (f *scriptedExchange) InitSchema(ctx context.Context, schema string) error {
	f.commands = append(f.commands, "init_schema:"+schema)
	return nil
}

func (f *scriptedExchange) Query(ctx context.Context, stmt string, h mywire.ResultHandler) error {
	f.commands = append(f.commands, "query")
	f.queries = append(f.queries, stmt)
	if f.onQuery != nil {
		f.onQuery(stmt, h)
		return nil
	}
	h.HandleOk(mywire.Ok{})
	return nil
}

func (f *scriptedExchange) Quit(ctx context.Context) error {
	f.commands = append(f.commands, "quit")
	return nil
}

func (f *scriptedExchange) Close() error {
	f.closed = true
	return nil
}

// fakeClient records replies queued for the client.
type fakeClient struct {
	oks     []mywire.Ok
	flushes int
	tls     *tls.ConnectionState
}

func (c *fakeClient) SendOK(ok mywire.Ok) error     { c.oks = append(c.oks, ok); return nil }
func (c *fakeClient) Flush() error                  { c.flushes++; return nil }
func (c *fakeClient) TLSState() *tls.ConnectionState { return c.tls }

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func primaryDestinations() *backend.Destinations {
	return backend.NewDestinations(testLogger(),
		backend.NewDestination("primary:3306", backend.ModeReadWrite))
}

func dialTo(order *[]string, exchanges map[string]*scriptedExchange) backend.Dialer {
	return backend.DialerFunc(func(ctx context.Context, addr string) (backend.Exchange, error) {
		*order = append(*order, addr)
		ex, ok := exchanges[addr]
		if !ok {
			return nil, errors.New("no route to " + addr)
		}
		return ex, nil
	})
}

// stashServerConn opens a server connection over ex as creds and parks it in
// the pool, then clears the command log so tests only see what the connector
// did.
func stashServerConn(t *testing.T, pool *backend.Pool, ex *scriptedExchange, endpoint string, creds backend.Credentials) *backend.ServerConn {
	t.Helper()
	sc := backend.NewServerConn(endpoint, ex)
	require.NoError(t, sc.Greet(context.Background()))
	require.NoError(t, sc.Authenticate(context.Background(), creds))
	require.True(t, pool.Stash(context.Background(), sc))
	ex.commands = nil
	return sc
}

// runConnector drives a LazyConnector to completion on conn's scheduler and
// returns the failure it reported upstream, if any.
func runConnector(t *testing.T, conn *Conn, inHandshake bool) *mysql.MyError {
	t.Helper()
	var reported *mysql.MyError
	conn.Push(NewLazyConnector(conn, inHandshake, func(e *mysql.MyError) { reported = e }))
	require.NoError(t, conn.Run(context.Background()))
	return reported
}

func strptr(s string) *string { return &s }

func TestLazyConnector_FreshHandshake(t *testing.T) {
	ex := &scriptedExchange{greeting: backend.Greeting{ServerVersion: "8.4.0"}}
	client := &fakeClient{}
	var dialed []string

	pool := backend.NewPool(4, testLogger())
	defer pool.Close()

	conn := NewConn(ConnOptions{
		Logger: testLogger(),
		Client: client,
		ClientState: ClientState{
			Username: "app",
			Schema:   "app",
			Password: strptr("hunter2"),
		},
		Dialer:       dialTo(&dialed, map[string]*scriptedExchange{"primary:3306": ex}),
		Destinations: primaryDestinations(),
		Pool:         pool,
	})

	reported := runConnector(t, conn, true)

	assert.Nil(t, reported)
	assert.Equal(t, []string{"greet", "authenticate"}, ex.commands,
		"nothing to replay on a fresh connection opened as the client")
	assert.True(t, conn.Authenticated())

	require.Len(t, client.oks, 1, "the handshake gets exactly one OK")
	assert.Equal(t, 1, client.flushes)
	assert.Equal(t, mysql.SERVER_STATUS_AUTOCOMMIT, client.oks[0].Status)

	require.NotNil(t, conn.Server())
	assert.Equal(t, backend.SequenceSentinel, conn.Server().SequenceID)
}

// A pooled connection already authenticated as the right identity, with the
// right schema, needs only a reset. The client sees nothing.
func TestLazyConnector_ReuseIdenticalIdentity(t *testing.T) {
	ex := &scriptedExchange{}
	client := &fakeClient{}
	var dialed []string

	pool := backend.NewPool(4, testLogger())
	defer pool.Close()
	stashServerConn(t, pool, ex, "primary:3306", backend.Credentials{
		Username: "app",
		Schema:   "app",
	})

	conn := NewConn(ConnOptions{
		Logger:       testLogger(),
		Client:       client,
		ClientState:  ClientState{Username: "app", Schema: "app"},
		Dialer:       dialTo(&dialed, nil),
		Destinations: primaryDestinations(),
		Pool:         pool,
	})

	reported := runConnector(t, conn, false)

	assert.Nil(t, reported)
	assert.Empty(t, dialed, "the pooled connection is reused, nothing is dialed")
	assert.Equal(t, []string{"reset_connection"}, ex.commands)
	assert.Empty(t, ex.queries)
	assert.Empty(t, client.oks, "a silent swap never replies to the client")
	assert.True(t, conn.Authenticated())
}

func TestLazyConnector_ReuseDifferentSchema(t *testing.T) {
	ex := &scriptedExchange{}
	var dialed []string

	pool := backend.NewPool(4, testLogger())
	defer pool.Close()
	stashServerConn(t, pool, ex, "primary:3306", backend.Credentials{
		Username: "app",
		Schema:   "legacy",
	})

	conn := NewConn(ConnOptions{
		Logger:       testLogger(),
		Client:       &fakeClient{},
		ClientState:  ClientState{Username: "app", Schema: "app"},
		Dialer:       dialTo(&dialed, nil),
		Destinations: primaryDestinations(),
		Pool:         pool,
	})

	reported := runConnector(t, conn, false)

	assert.Nil(t, reported)
	assert.Equal(t, []string{"reset_connection", "init_schema:app"}, ex.commands,
		"exactly one schema switch, nothing else")
}

func TestLazyConnector_ReuseDifferentUserChangesUser(t *testing.T) {
	ex := &scriptedExchange{}
	var dialed []string

	pool := backend.NewPool(4, testLogger())
	defer pool.Close()
	stashServerConn(t, pool, ex, "primary:3306", backend.Credentials{Username: "bob"})

	conn := NewConn(ConnOptions{
		Logger:       testLogger(),
		Client:       &fakeClient{},
		ClientState:  ClientState{Username: "alice", Password: strptr("hunter2")},
		Dialer:       dialTo(&dialed, nil),
		Destinations: primaryDestinations(),
		Pool:         pool,
	})

	reported := runConnector(t, conn, false)

	assert.Nil(t, reported)
	assert.Equal(t, []string{"change_user"}, ex.commands)
}

func TestLazyConnector_ReplaysSessionVariables(t *testing.T) {
	ex := &scriptedExchange{greeting: backend.Greeting{}}
	var dialed []string

	pool := backend.NewPool(4, testLogger())
	defer pool.Close()

	conn := NewConn(ConnOptions{
		Logger:       testLogger(),
		Client:       &fakeClient{},
		ClientState:  ClientState{Username: "app", Password: strptr("hunter2")},
		Dialer:       dialTo(&dialed, map[string]*scriptedExchange{"primary:3306": ex}),
		Destinations: primaryDestinations(),
		Pool:         pool,
	})
	conn.SystemVariables().Set("sql_mode", mywire.NewValue("ANSI"))
	conn.SystemVariables().Set("autocommit", mywire.NewValue("0"))

	reported := runConnector(t, conn, false)

	assert.Nil(t, reported)
	require.Len(t, ex.queries, 1)
	assert.True(t, strings.HasPrefix(ex.queries[0], "SET "))
	assert.Contains(t, ex.queries[0], "`sql_mode` = 'ANSI'")
	assert.Contains(t, ex.queries[0], "`autocommit` = '0'")
}

func TestLazyConnector_SharingProbesMissingVariables(t *testing.T) {
	ex := &scriptedExchange{
		onQuery: func(stmt string, h mywire.ResultHandler) {
			if !strings.HasPrefix(stmt, "SELECT '") {
				h.HandleOk(mywire.Ok{})
				return
			}
			h.HandleColumnCount(2)
			h.HandleRow([]mywire.Value{mywire.NewValue("collation_connection"), mywire.NewValue("utf8mb4_0900_ai_ci")})
			h.HandleRow([]mywire.Value{mywire.NewValue("character_set_client"), mywire.NewValue("utf8mb4")})
			h.HandleRow([]mywire.Value{mywire.NewValue("sql_mode"), mywire.NewValue("ANSI")})
			h.HandleRowEnd(mywire.Eof{})
		},
	}
	var dialed []string

	pool := backend.NewPool(4, testLogger())
	defer pool.Close()

	conn := NewConn(ConnOptions{
		Logger:       testLogger(),
		Client:       &fakeClient{},
		ClientState:  ClientState{Username: "app", Password: strptr("hunter2")},
		Dialer:       dialTo(&dialed, map[string]*scriptedExchange{"primary:3306": ex}),
		Destinations: primaryDestinations(),
		Pool:         pool,
		Settings:     Settings{ConnectionSharing: true},
	})

	reported := runConnector(t, conn, false)

	assert.Nil(t, reported)
	require.Len(t, ex.queries, 2, "tracker replay, then the probe")
	assert.Contains(t, ex.queries[0], "`session_track_system_variables` = '*'")
	assert.True(t, strings.HasPrefix(ex.queries[1], "SELECT 'collation_connection'"))

	vars := conn.SystemVariables()
	assert.Equal(t, mywire.NewValue("ANSI"), vars.Get("sql_mode"))
	assert.Equal(t, mywire.NewValue("utf8mb4"), vars.Get("character_set_client"))
	assert.True(t, conn.SharingPossible())
}

func TestLazyConnector_MalformedProbeDegradesSharing(t *testing.T) {
	ex := &scriptedExchange{
		onQuery: func(stmt string, h mywire.ResultHandler) {
			if !strings.HasPrefix(stmt, "SELECT '") {
				h.HandleOk(mywire.Ok{})
				return
			}
			// One column instead of two: the probe is unusable.
			h.HandleColumnCount(1)
			h.HandleRow([]mywire.Value{mywire.NewValue("garbage")})
			h.HandleRowEnd(mywire.Eof{})
		},
	}
	var dialed []string

	pool := backend.NewPool(4, testLogger())
	defer pool.Close()

	conn := NewConn(ConnOptions{
		Logger:       testLogger(),
		Client:       &fakeClient{},
		ClientState:  ClientState{Username: "app", Password: strptr("hunter2")},
		Dialer:       dialTo(&dialed, map[string]*scriptedExchange{"primary:3306": ex}),
		Destinations: primaryDestinations(),
		Pool:         pool,
		Settings:     Settings{ConnectionSharing: true},
	})

	reported := runConnector(t, conn, false)

	assert.Nil(t, reported, "a malformed probe degrades, it does not fail")
	assert.True(t, conn.Authenticated())
	assert.False(t, conn.SharingPossible(), "the connection is pinned to this client now")
}

func TestLazyConnector_AlignsMultiStatementsOption(t *testing.T) {
	ex := &scriptedExchange{}
	var dialed []string

	pool := backend.NewPool(4, testLogger())
	defer pool.Close()
	stashServerConn(t, pool, ex, "primary:3306", backend.Credentials{Username: "app"})

	conn := NewConn(ConnOptions{
		Logger: testLogger(),
		Client: &fakeClient{},
		ClientState: ClientState{
			Username:     "app",
			Capabilities: mysql.CLIENT_MULTI_STATEMENTS,
		},
		Dialer:       dialTo(&dialed, nil),
		Destinations: primaryDestinations(),
		Pool:         pool,
	})

	reported := runConnector(t, conn, false)

	assert.Nil(t, reported)
	assert.Contains(t, ex.commands, "set_option:multi_statements_on")
	assert.NotZero(t, conn.Server().ClientFlags&mysql.CLIENT_MULTI_STATEMENTS)
}

// A rejected variable replay does not skip the capability alignment that
// follows it; the failure is reported at the end, after the remaining steps
// ran.
func TestLazyConnector_SetVarsFailureStillAlignsServerOption(t *testing.T) {
	ex := &scriptedExchange{
		onQuery: func(stmt string, h mywire.ResultHandler) {
			if strings.HasPrefix(stmt, "SET ") {
				h.HandleError(mysql.NewError(mysql.ER_UNKNOWN_ERROR, "unknown variable"))
				return
			}
			h.HandleOk(mywire.Ok{})
		},
	}
	var dialed []string

	pool := backend.NewPool(4, testLogger())
	defer pool.Close()
	stashServerConn(t, pool, ex, "primary:3306", backend.Credentials{Username: "app"})

	conn := NewConn(ConnOptions{
		Logger: testLogger(),
		Client: &fakeClient{},
		ClientState: ClientState{
			Username:     "app",
			Capabilities: mysql.CLIENT_MULTI_STATEMENTS,
		},
		Dialer:       dialTo(&dialed, nil),
		Destinations: primaryDestinations(),
		Pool:         pool,
	})
	conn.SystemVariables().Set("sql_mode", mywire.NewValue("ANSI"))

	reported := runConnector(t, conn, false)

	require.NotNil(t, reported)
	assert.Equal(t, "unknown variable", reported.Message)
	assert.Equal(t, []string{"reset_connection", "query", "set_option:multi_statements_on"},
		ex.commands, "the option round trip still happens after the failed SET")
	assert.False(t, conn.Authenticated())
}

func TestLazyConnector_ReplaysTransactionCharacteristics(t *testing.T) {
	ex := &scriptedExchange{greeting: backend.Greeting{}}
	var dialed []string

	pool := backend.NewPool(4, testLogger())
	defer pool.Close()

	conn := NewConn(ConnOptions{
		Logger:       testLogger(),
		Client:       &fakeClient{},
		ClientState:  ClientState{Username: "app", Password: strptr("hunter2")},
		Dialer:       dialTo(&dialed, map[string]*scriptedExchange{"primary:3306": ex}),
		Destinations: primaryDestinations(),
		Pool:         pool,
	})
	conn.SetTransactionCharacteristics(
		"SET TRANSACTION ISOLATION LEVEL READ COMMITTED; START TRANSACTION;")

	reported := runConnector(t, conn, false)

	assert.Nil(t, reported)
	assert.Equal(t, []string{
		"SET TRANSACTION ISOLATION LEVEL READ COMMITTED",
		"START TRANSACTION",
	}, ex.queries, "two sub-statements, two round trips, original order, no separators")
}

// The two transaction sub-statements fail independently: a rejected SET
// TRANSACTION does not stop the START TRANSACTION behind it, and the
// failure still surfaces once at the end.
func TestLazyConnector_TrxPartFailureStillReplaysRest(t *testing.T) {
	ex := &scriptedExchange{
		greeting: backend.Greeting{},
		onQuery: func(stmt string, h mywire.ResultHandler) {
			if strings.HasPrefix(stmt, "SET TRANSACTION") {
				h.HandleError(mysql.NewError(mysql.ER_UNKNOWN_ERROR, "isolation level rejected"))
				return
			}
			h.HandleOk(mywire.Ok{})
		},
	}
	var dialed []string

	pool := backend.NewPool(4, testLogger())
	defer pool.Close()

	conn := NewConn(ConnOptions{
		Logger:       testLogger(),
		Client:       &fakeClient{},
		ClientState:  ClientState{Username: "app", Password: strptr("hunter2")},
		Dialer:       dialTo(&dialed, map[string]*scriptedExchange{"primary:3306": ex}),
		Destinations: primaryDestinations(),
		Pool:         pool,
	})
	conn.SetTransactionCharacteristics(
		"SET TRANSACTION ISOLATION LEVEL READ COMMITTED; START TRANSACTION;")

	reported := runConnector(t, conn, false)

	require.NotNil(t, reported)
	assert.Equal(t, "isolation level rejected", reported.Message)
	assert.Equal(t, []string{
		"SET TRANSACTION ISOLATION LEVEL READ COMMITTED",
		"START TRANSACTION",
	}, ex.queries, "the second part is still sent")
	assert.False(t, conn.Authenticated())
}

// A stale replica is detected by the GTID check, given back to the pool, and
// the whole sequence restarts against the primary. The client never hears
// about the detour.
func TestLazyConnector_StaleReplicaFallsBackToPrimary(t *testing.T) {
	replica := &scriptedExchange{
		onQuery: func(stmt string, h mywire.ResultHandler) {
			if strings.Contains(stmt, "GTID_SUBSET") {
				h.HandleColumnCount(1)
				h.HandleRow([]mywire.Value{mywire.NewValue("0")})
				h.HandleRowEnd(mywire.Eof{})
				return
			}
			h.HandleOk(mywire.Ok{})
		},
	}
	primary := &scriptedExchange{}
	var dialed []string

	pool := backend.NewPool(4, testLogger())
	defer pool.Close()

	dests := backend.NewDestinations(testLogger(),
		backend.NewDestination("primary:3306", backend.ModeReadWrite),
		backend.NewDestination("replica:3306", backend.ModeReadOnly))

	conn := NewConn(ConnOptions{
		Logger:      testLogger(),
		Client:      &fakeClient{},
		ClientState: ClientState{Username: "app", Password: strptr("hunter2")},
		Dialer: dialTo(&dialed, map[string]*scriptedExchange{
			"primary:3306": primary,
			"replica:3306": replica,
		}),
		Destinations: dests,
		Pool:         pool,
		Settings: Settings{
			WaitForMyWrites:        true,
			WaitForMyWritesTimeout: 0, // check without waiting
		},
		ExpectedMode: backend.ModeReadOnly,
	})
	conn.NoteExecutedGTID("de305d54-75b4-431b-adb2-eb6b9e546014:1-5")

	reported := runConnector(t, conn, false)

	assert.Nil(t, reported, "the fallback hides the stale replica from the client")
	assert.Equal(t, []string{"replica:3306", "primary:3306"}, dialed)

	require.Len(t, replica.queries, 1)
	assert.Equal(t,
		`SELECT GTID_SUBSET("de305d54-75b4-431b-adb2-eb6b9e546014:1-5", @@GLOBAL.gtid_executed)`,
		replica.queries[0])
	assert.Empty(t, primary.queries, "the primary needs no GTID check")

	assert.Equal(t, 1, pool.Len(), "the healthy-but-stale replica connection is pooled")
	assert.Equal(t, backend.ModeReadWrite, conn.ExpectedMode())
	assert.True(t, conn.Authenticated())
}

func TestLazyConnector_StaleReplicaPoolFullClosesConnection(t *testing.T) {
	replica := &scriptedExchange{
		onQuery: func(stmt string, h mywire.ResultHandler) {
			h.HandleColumnCount(1)
			h.HandleRow([]mywire.Value{mywire.NewValue("0")})
			h.HandleRowEnd(mywire.Eof{})
		},
	}
	primary := &scriptedExchange{}
	var dialed []string

	pool := backend.NewPool(1, testLogger())
	defer pool.Close()
	// Fill the only pool slot so the replica connection cannot go back.
	stashServerConn(t, pool, &scriptedExchange{}, "other:3306", backend.Credentials{Username: "x"})

	dests := backend.NewDestinations(testLogger(),
		backend.NewDestination("primary:3306", backend.ModeReadWrite),
		backend.NewDestination("replica:3306", backend.ModeReadOnly))

	conn := NewConn(ConnOptions{
		Logger:      testLogger(),
		Client:      &fakeClient{},
		ClientState: ClientState{Username: "app", Password: strptr("hunter2")},
		Dialer: dialTo(&dialed, map[string]*scriptedExchange{
			"primary:3306": primary,
			"replica:3306": replica,
		}),
		Destinations: dests,
		Pool:         pool,
		Settings:     Settings{WaitForMyWrites: true},
		ExpectedMode: backend.ModeReadOnly,
	})
	conn.NoteExecutedGTID("de305d54-75b4-431b-adb2-eb6b9e546014:1-5")

	reported := runConnector(t, conn, false)

	assert.Nil(t, reported)
	assert.Contains(t, replica.commands, "quit")
	assert.True(t, replica.closed)
	assert.True(t, conn.Authenticated(), "the primary attempt still succeeds")
}

func TestLazyConnector_FallbackFiresAtMostOnce(t *testing.T) {
	pool := backend.NewPool(4, testLogger())
	defer pool.Close()

	conn := NewConn(ConnOptions{
		Logger:       testLogger(),
		Client:       &fakeClient{},
		Destinations: primaryDestinations(),
		Pool:         pool,
		ExpectedMode: backend.ModeReadOnly,
	})

	var reported *mysql.MyError
	l := NewLazyConnector(conn, false, func(e *mysql.MyError) { reported = e })
	l.alreadyFallback = true
	l.failure = waitForMyWritesTimeoutError()
	l.stage = StageFallbackToWrite

	res, err := l.Process(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ResultAgain, res)
	assert.Equal(t, StageDone, l.Stage(), "a second staleness failure is terminal")
	assert.Equal(t, backend.ModeReadOnly, conn.ExpectedMode(), "no second redirect")

	res, err = l.Process(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ResultDone, res)
	require.NotNil(t, reported)
	assert.Equal(t, uint16(mysql.ER_LOCK_WAIT_TIMEOUT), reported.Code)
}

func TestLazyConnector_FallbackClearsFailureAndRestarts(t *testing.T) {
	pool := backend.NewPool(4, testLogger())
	defer pool.Close()

	conn := NewConn(ConnOptions{
		Logger:       testLogger(),
		Client:       &fakeClient{},
		Destinations: primaryDestinations(),
		Pool:         pool,
		ExpectedMode: backend.ModeReadOnly,
	})

	l := NewLazyConnector(conn, false, nil)
	l.failure = waitForMyWritesTimeoutError()
	l.stage = StageFallbackToWrite
	_, l.spans.prepare = conn.tracer.Start(context.Background(), "mysql/prepare_server_connection")

	_, err := l.Process(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StageConnect, l.Stage())
	assert.Nil(t, l.Failure())
	assert.True(t, l.alreadyFallback)
	assert.Equal(t, backend.ModeReadWrite, conn.ExpectedMode())
	assert.Nil(t, l.spans.prepare, "the restarted attempt gets its own span")
}

// Dial failures are transient: retry on a timer until the window closes.
func TestLazyConnector_TransientConnectFailureRetries(t *testing.T) {
	ex := &scriptedExchange{}
	var dialed []string
	dialer := backend.DialerFunc(func(ctx context.Context, addr string) (backend.Exchange, error) {
		dialed = append(dialed, addr)
		if len(dialed) <= 2 {
			return nil, errors.New("connection refused")
		}
		return ex, nil
	})

	pool := backend.NewPool(4, testLogger())
	defer pool.Close()

	conn := NewConn(ConnOptions{
		Logger:       testLogger(),
		Client:       &fakeClient{},
		ClientState:  ClientState{Username: "app", Password: strptr("hunter2")},
		Dialer:       dialer,
		Destinations: primaryDestinations(),
		Pool:         pool,
		Settings:     Settings{ConnectRetryTimeout: 5 * time.Second},
	})

	reported := runConnector(t, conn, false)

	assert.Nil(t, reported)
	assert.Len(t, dialed, 3, "two failures, then success")
	assert.True(t, conn.Authenticated())
}

func TestLazyConnector_RetryWindowExpires(t *testing.T) {
	var dialed []string
	dialer := backend.DialerFunc(func(ctx context.Context, addr string) (backend.Exchange, error) {
		dialed = append(dialed, addr)
		return nil, errors.New("connection refused")
	})

	pool := backend.NewPool(4, testLogger())
	defer pool.Close()

	conn := NewConn(ConnOptions{
		Logger:       testLogger(),
		Client:       &fakeClient{},
		ClientState:  ClientState{Username: "app", Password: strptr("hunter2")},
		Dialer:       dialer,
		Destinations: primaryDestinations(),
		Pool:         pool,
		Settings:     Settings{ConnectRetryTimeout: time.Nanosecond},
	})

	reported := runConnector(t, conn, false)

	require.NotNil(t, reported)
	assert.Equal(t, uint16(crConnHostError), reported.Code)
	assert.Len(t, dialed, 1)
	assert.False(t, conn.Authenticated())
}

func TestLazyConnector_AccessDeniedIsNotRetried(t *testing.T) {
	ex := &scriptedExchange{
		authErr: mysql.NewError(mysql.ER_ACCESS_DENIED_ERROR, "Access denied for user 'app'"),
	}
	var dialed []string

	pool := backend.NewPool(4, testLogger())
	defer pool.Close()

	conn := NewConn(ConnOptions{
		Logger:       testLogger(),
		Client:       &fakeClient{},
		ClientState:  ClientState{Username: "app", Password: strptr("wrong")},
		Dialer:       dialTo(&dialed, map[string]*scriptedExchange{"primary:3306": ex}),
		Destinations: primaryDestinations(),
		Pool:         pool,
		Settings:     Settings{ConnectRetryTimeout: 5 * time.Second},
	})

	reported := runConnector(t, conn, false)

	require.NotNil(t, reported)
	assert.Equal(t, uint16(mysql.ER_ACCESS_DENIED_ERROR), reported.Code)
	assert.Len(t, dialed, 1, "a definite refusal is not worth retrying")
	assert.True(t, ex.closed)
}

func requireDocExchange(doc mywire.Value) *scriptedExchange {
	return &scriptedExchange{
		onQuery: func(stmt string, h mywire.ResultHandler) {
			if strings.Contains(stmt, "router_require") {
				h.HandleColumnCount(1)
				h.HandleRow([]mywire.Value{doc})
				h.HandleRowEnd(mywire.Eof{})
				return
			}
			h.HandleOk(mywire.Ok{})
		},
	}
}

func TestLazyConnector_RouterRequireRejectsPlaintextClient(t *testing.T) {
	ex := requireDocExchange(mywire.NewValue(`{"ssl":true}`))
	client := &fakeClient{} // no TLS
	var dialed []string

	pool := backend.NewPool(4, testLogger())
	defer pool.Close()

	conn := NewConn(ConnOptions{
		Logger:       testLogger(),
		Client:       client,
		ClientState:  ClientState{Username: "app", Password: strptr("hunter2")},
		Dialer:       dialTo(&dialed, map[string]*scriptedExchange{"primary:3306": ex}),
		Destinations: primaryDestinations(),
		Pool:         pool,
		Settings:     Settings{RouterRequireEnforce: true},
	})

	reported := runConnector(t, conn, true)

	require.NotNil(t, reported)
	assert.Equal(t, uint16(mysql.ER_ACCESS_DENIED_ERROR), reported.Code,
		"the client only ever sees access denied")
	assert.Empty(t, client.oks)
	assert.False(t, conn.Authenticated())
}

func TestLazyConnector_RouterRequireSatisfied(t *testing.T) {
	ex := requireDocExchange(mywire.NewValue(`{"ssl":true}`))
	client := &fakeClient{tls: &tls.ConnectionState{}}
	var dialed []string

	pool := backend.NewPool(4, testLogger())
	defer pool.Close()

	conn := NewConn(ConnOptions{
		Logger:       testLogger(),
		Client:       client,
		ClientState:  ClientState{Username: "app", Password: strptr("hunter2")},
		Dialer:       dialTo(&dialed, map[string]*scriptedExchange{"primary:3306": ex}),
		Destinations: primaryDestinations(),
		Pool:         pool,
		Settings:     Settings{RouterRequireEnforce: true},
	})

	reported := runConnector(t, conn, true)

	assert.Nil(t, reported)
	assert.Len(t, client.oks, 1)
	assert.True(t, conn.Authenticated())
}

func TestLazyConnector_AlreadyOpenSkipsEverything(t *testing.T) {
	ex := &scriptedExchange{}
	pool := backend.NewPool(4, testLogger())
	defer pool.Close()

	conn := NewConn(ConnOptions{
		Logger:       testLogger(),
		Client:       &fakeClient{},
		ClientState:  ClientState{Username: "app"},
		Destinations: primaryDestinations(),
		Pool:         pool,
	})
	sc := backend.NewServerConn("primary:3306", ex)
	require.NoError(t, sc.Greet(context.Background()))
	conn.server = sc
	ex.commands = nil

	reported := runConnector(t, conn, false)

	assert.Nil(t, reported)
	assert.Empty(t, ex.commands, "an attached session needs no preparation")
}

func TestLazyConnector_NoDestinations(t *testing.T) {
	pool := backend.NewPool(4, testLogger())
	defer pool.Close()

	conn := NewConn(ConnOptions{
		Logger:       testLogger(),
		Client:       &fakeClient{},
		ClientState:  ClientState{Username: "app"},
		Destinations: backend.NewDestinations(testLogger()),
		Pool:         pool,
	})

	reported := runConnector(t, conn, false)

	require.NotNil(t, reported)
	assert.Equal(t, uint16(crConnHostError), reported.Code)
	assert.Contains(t, reported.Message, "no destinations available")
}
