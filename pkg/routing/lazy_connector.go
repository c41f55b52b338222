package routing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-mysql-org/go-mysql/mysql"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/justjake/mylink/pkg/backend"
	"github.com/justjake/mylink/pkg/mywire"
)

// connectRetryInterval is the initial delay between transient connect
// retries. Subsequent delays back off exponentially.
const connectRetryInterval = 100 * time.Millisecond

// Stage enumerates the steps of preparing a server connection for a client.
type Stage int

const (
	StageConnect Stage = iota
	StageConnected
	StageAuthenticated
	StageSetVars
	StageSetVarsDone
	StageSetServerOption
	StageSetServerOptionDone
	StageFetchSysVars
	StageFetchSysVarsDone
	StageSetSchema
	StageSetSchemaDone
	StageWaitGtidExecuted
	StageWaitGtidExecutedDone
	StageSetTrxCharacteristics
	StageSetTrxCharacteristicsDone
	StageFetchUserAttrs
	StageFetchUserAttrsDone
	StageSendAuthOk
	StagePoolOrClose
	StageFallbackToWrite
	StageDone
)

func (s Stage) String() string {
	switch s {
	case StageConnect:
		return "connect"
	case StageConnected:
		return "connected"
	case StageAuthenticated:
		return "authenticated"
	case StageSetVars:
		return "set_vars"
	case StageSetVarsDone:
		return "set_vars_done"
	case StageSetServerOption:
		return "set_server_option"
	case StageSetServerOptionDone:
		return "set_server_option_done"
	case StageFetchSysVars:
		return "fetch_sys_vars"
	case StageFetchSysVarsDone:
		return "fetch_sys_vars_done"
	case StageSetSchema:
		return "set_schema"
	case StageSetSchemaDone:
		return "set_schema_done"
	case StageWaitGtidExecuted:
		return "wait_gtid_executed"
	case StageWaitGtidExecutedDone:
		return "wait_gtid_executed_done"
	case StageSetTrxCharacteristics:
		return "set_trx_characteristics"
	case StageSetTrxCharacteristicsDone:
		return "set_trx_characteristics_done"
	case StageFetchUserAttrs:
		return "fetch_user_attrs"
	case StageFetchUserAttrsDone:
		return "fetch_user_attrs_done"
	case StageSendAuthOk:
		return "send_auth_ok"
	case StagePoolOrClose:
		return "pool_or_close"
	case StageFallbackToWrite:
		return "fallback_to_write"
	case StageDone:
		return "done"
	default:
		return "unknown"
	}
}

// LazyConnector prepares a server connection for the client on demand: it
// connects or reuses, authenticates, then replays the client's session
// state (variables, schema, transaction characteristics) so the server
// session is indistinguishable from one the client opened itself. Reads
// that must observe the client's own writes first verify the replica's
// GTID position, and fall back to the primary once if it is stale.
//
// It is pushed onto the connection's processor stack and delegates each
// sub-protocol exchange to its own processor, resuming from the stored
// stage when that pops.
type LazyConnector struct {
	conn   *Conn
	logger *slog.Logger

	// inHandshake means the client is still waiting for its auth reply,
	// which this connector must produce.
	inHandshake bool
	// onError reports a terminal failure upstream, at most once.
	onError func(*mysql.MyError)

	stage   Stage
	failure *mysql.MyError

	started         time.Time
	retry           *backoff.ExponentialBackOff
	alreadyFallback bool

	// Captured at Connected, before a reset wipes the server session.
	// Consumed one sub-statement at a time by setTrxCharacteristics.
	trxRemaining string

	requireDoc mywire.Value

	spanCtx context.Context
	spans   struct {
		prepare      trace.Span
		authenticate trace.Span
		setVars      trace.Span
		fetchSysVars trace.Span
		setSchema    trace.Span
		waitGtid     trace.Span
		setTrx       trace.Span
	}
}

// NewLazyConnector builds a connector for one reconciliation. inHandshake
// is true when the client's initial handshake triggered it; onError
// receives the terminal failure, if any, exactly once.
func NewLazyConnector(conn *Conn, inHandshake bool, onError func(*mysql.MyError)) *LazyConnector {
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = connectRetryInterval
	retry.RandomizationFactor = 0.1
	retry.MaxInterval = time.Second
	retry.MaxElapsedTime = conn.settings.ConnectRetryTimeout

	return &LazyConnector{
		conn:        conn,
		logger:      conn.logger,
		inHandshake: inHandshake,
		onError:     onError,
		stage:       StageConnect,
		started:     time.Now(),
		retry:       retry,
	}
}

// Stage returns the connector's current stage.
func (l *LazyConnector) Stage() Stage {
	return l.stage
}

// Failure returns the captured terminal failure, if any.
func (l *LazyConnector) Failure() *mysql.MyError {
	return l.failure
}

// fail records the first failure; later ones are dropped.
func (l *LazyConnector) fail(e *mysql.MyError) {
	if l.failure == nil {
		l.failure = e
	}
}

func (l *LazyConnector) Process(ctx context.Context) (Result, error) {
	switch l.stage {
	case StageConnect:
		return l.connect(ctx)
	case StageConnected:
		return l.connected(ctx)
	case StageAuthenticated:
		return l.authenticated(ctx)
	case StageSetVars:
		return l.setVars(ctx)
	case StageSetVarsDone:
		return l.setVarsDone(ctx)
	case StageSetServerOption:
		return l.setServerOption(ctx)
	case StageSetServerOptionDone:
		return l.setServerOptionDone(ctx)
	case StageFetchSysVars:
		return l.fetchSysVars(ctx)
	case StageFetchSysVarsDone:
		return l.fetchSysVarsDone(ctx)
	case StageSetSchema:
		return l.setSchema(ctx)
	case StageSetSchemaDone:
		return l.setSchemaDone(ctx)
	case StageWaitGtidExecuted:
		return l.waitGtidExecuted(ctx)
	case StageWaitGtidExecutedDone:
		return l.waitGtidExecutedDone(ctx)
	case StageSetTrxCharacteristics:
		return l.setTrxCharacteristics(ctx)
	case StageSetTrxCharacteristicsDone:
		return l.setTrxCharacteristicsDone(ctx)
	case StageFetchUserAttrs:
		return l.fetchUserAttrs(ctx)
	case StageFetchUserAttrsDone:
		return l.fetchUserAttrsDone(ctx)
	case StageSendAuthOk:
		return l.sendAuthOk(ctx)
	case StagePoolOrClose:
		return l.poolOrClose(ctx)
	case StageFallbackToWrite:
		return l.fallbackToWrite(ctx)
	case StageDone:
		return l.done(ctx)
	default:
		panic(fmt.Sprintf("unexpected routing.Stage: %v", l.stage))
	}
}

func (l *LazyConnector) connect(ctx context.Context) (Result, error) {
	if l.spans.prepare == nil {
		l.spanCtx, l.spans.prepare = l.conn.tracer.Start(ctx, "mysql/prepare_server_connection",
			trace.WithAttributes(
				attribute.String("mysql.remote.expected_mode", l.conn.expectedMode.String()),
			))
	}

	if l.conn.server.Open() {
		// Nothing to prepare; the session is already attached.
		l.stage = StageDone
		return ResultAgain, nil
	}

	l.conn.Push(NewConnectProcessor(l.conn, l.fail))
	l.stage = StageConnected
	return ResultAgain, nil
}

func (l *LazyConnector) connected(ctx context.Context) (Result, error) {
	// The transaction characteristics must be captured before a reset or
	// change-user wipes the tracker state they came from.
	l.trxRemaining = l.conn.trxCharacteristics

	if !l.conn.server.Open() {
		// Connecting failed. Dial errors are transient by nature: no
		// handshake happened, so retrying is always safe.
		if l.shouldRetryConnect() {
			return l.restartConnect()
		}
		l.stage = StageDone
		return ResultAgain, nil
	}

	sc := l.conn.server

	if !sc.GreetingSeen() {
		_, l.spans.authenticate = l.conn.tracer.Start(l.spanCtx, "mysql/authenticate",
			trace.WithAttributes(attribute.Bool("mysql.remote.is_reused", false)))
		l.conn.Push(NewServerGreetor(l.conn, l.fail))
		l.stage = StageAuthenticated
		return ResultAgain, nil
	}

	usernameDiffers := sc.Username != l.conn.clientState.Username
	attributesDiffer := !sc.SentAttributes.Equal(l.conn.clientState.Attributes)
	_, l.spans.authenticate = l.conn.tracer.Start(l.spanCtx, "mysql/authenticate",
		trace.WithAttributes(
			attribute.Bool("mysql.remote.is_reused", true),
			attribute.Bool("mysql.remote.username_differs", usernameDiffers),
			attribute.Bool("mysql.remote.attributes_differ", attributesDiffer),
		))

	if !usernameDiffers && !attributesDiffer && !l.inHandshake {
		l.conn.Push(NewResetConnectionSender(l.conn, l.fail))
	} else {
		l.conn.Push(NewChangeUserSender(l.conn, l.fail))
	}
	l.stage = StageAuthenticated
	return ResultAgain, nil
}

func (l *LazyConnector) authenticated(ctx context.Context) (Result, error) {
	if l.failure != nil {
		endSpan(l.spans.authenticate, l.failure)
		l.spans.authenticate = nil

		if l.shouldRetryConnect() {
			return l.restartConnect()
		}
		l.stage = StageDone
		return ResultAgain, nil
	}

	l.conn.authenticated = true
	endSpan(l.spans.authenticate, nil)
	l.spans.authenticate = nil

	l.stage = StageSetVars
	return ResultAgain, nil
}

// shouldRetryConnect decides whether the current failure is worth another
// connect attempt: only within the retry window, never after an explicit
// access-denied, and only if the proxy can re-run the handshake on its own,
// meaning it knows the password or no handshake was started at all.
func (l *LazyConnector) shouldRetryConnect() bool {
	if l.conn.settings.ConnectRetryTimeout <= 0 {
		return false
	}
	if time.Since(l.started) >= l.conn.settings.ConnectRetryTimeout {
		return false
	}
	if l.failure != nil && l.failure.Code == mysql.ER_ACCESS_DENIED_ERROR {
		return false
	}
	greetingSeen := l.conn.server != nil && l.conn.server.GreetingSeen()
	return !greetingSeen || l.conn.clientState.Password != nil
}

func (l *LazyConnector) restartConnect() (Result, error) {
	delay := l.retry.NextBackOff()
	if delay == backoff.Stop {
		l.stage = StageDone
		return ResultAgain, nil
	}

	if l.conn.server != nil {
		_ = l.conn.server.Close()
		l.conn.server = nil
	}

	l.logger.Debug("retrying server connect",
		slog.Duration("delay", delay),
		slog.String("error", errorMessage(l.failure)))
	l.conn.metrics.RecordConnectRetry()
	if l.spans.prepare != nil {
		l.spans.prepare.AddEvent("connect_retry")
	}

	l.failure = nil
	l.stage = StageConnect
	l.conn.resumeAfter(delay)
	return ResultSuspend, nil
}

func (l *LazyConnector) setVars(ctx context.Context) (Result, error) {
	stmt := buildSetVariablesStatement(&l.conn.sysVars, l.conn.SharingPossible())
	if stmt == "" {
		l.stage = StageSetServerOption
		return ResultAgain, nil
	}

	_, l.spans.setVars = l.conn.tracer.Start(l.spanCtx, "mysql/set_var",
		trace.WithAttributes(attribute.String("db.statement", stmt)))
	l.conn.Push(NewQuerySender(l.conn, stmt, failOnError(l.fail)))
	l.stage = StageSetVarsDone
	return ResultAgain, nil
}

// setVarsDone proceeds regardless of a failed replay; the remaining steps
// still run, and the failure is reported at Done.
func (l *LazyConnector) setVarsDone(ctx context.Context) (Result, error) {
	endSpan(l.spans.setVars, l.failure)
	l.spans.setVars = nil

	l.stage = StageSetServerOption
	return ResultAgain, nil
}

func (l *LazyConnector) setServerOption(ctx context.Context) (Result, error) {
	want := l.conn.clientState.Capabilities&mysql.CLIENT_MULTI_STATEMENTS != 0
	have := l.conn.server.ClientFlags&mysql.CLIENT_MULTI_STATEMENTS != 0
	if want == have {
		l.stage = StageFetchSysVars
		return ResultAgain, nil
	}

	option := mywire.MultiStatementsOff
	if want {
		option = mywire.MultiStatementsOn
	}
	l.conn.Push(NewSetOptionSender(l.conn, option, l.fail))
	l.stage = StageSetServerOptionDone
	return ResultAgain, nil
}

func (l *LazyConnector) setServerOptionDone(ctx context.Context) (Result, error) {
	if l.failure != nil {
		l.stage = StageDone
	} else {
		l.stage = StageFetchSysVars
	}
	return ResultAgain, nil
}

func (l *LazyConnector) fetchSysVars(ctx context.Context) (Result, error) {
	if !l.conn.SharingPossible() {
		l.stage = StageSetSchema
		return ResultAgain, nil
	}

	stmt := buildFetchSysVarsStatement(&l.conn.sysVars)
	if stmt == "" {
		l.stage = StageSetSchema
		return ResultAgain, nil
	}

	_, l.spans.fetchSysVars = l.conn.tracer.Start(l.spanCtx, "mysql/fetch_sys_vars",
		trace.WithAttributes(attribute.String("db.statement", stmt)))
	l.conn.Push(NewQuerySender(l.conn, stmt,
		captureSessionVariables(&l.conn.sysVars, l.conn.BlockSharing)))
	l.stage = StageFetchSysVarsDone
	return ResultAgain, nil
}

func (l *LazyConnector) fetchSysVarsDone(ctx context.Context) (Result, error) {
	endSpan(l.spans.fetchSysVars, l.failure)
	l.spans.fetchSysVars = nil

	l.stage = StageSetSchema
	return ResultAgain, nil
}

func (l *LazyConnector) setSchema(ctx context.Context) (Result, error) {
	schema := l.conn.clientState.Schema
	if schema == "" || schema == l.conn.server.Schema {
		l.stage = StageWaitGtidExecuted
		return ResultAgain, nil
	}

	_, l.spans.setSchema = l.conn.tracer.Start(l.spanCtx, "mysql/set_schema",
		trace.WithAttributes(attribute.String("db.name", schema)))
	l.conn.Push(NewInitSchemaSender(l.conn, schema, l.fail))
	l.stage = StageSetSchemaDone
	return ResultAgain, nil
}

func (l *LazyConnector) setSchemaDone(ctx context.Context) (Result, error) {
	endSpan(l.spans.setSchema, l.failure)
	l.spans.setSchema = nil

	if l.failure != nil {
		l.stage = StageDone
	} else {
		l.stage = StageWaitGtidExecuted
	}
	return ResultAgain, nil
}

func (l *LazyConnector) waitGtidExecuted(ctx context.Context) (Result, error) {
	l.stage = StageSetTrxCharacteristics

	if l.conn.expectedMode != backend.ModeReadOnly ||
		!l.conn.settings.WaitForMyWrites ||
		l.conn.gtidExecuted == "" {
		return ResultAgain, nil
	}

	stmt := buildWaitGtidStatement(l.conn.gtidExecuted, l.conn.settings.WaitForMyWritesTimeout)
	_, l.spans.waitGtid = l.conn.tracer.Start(l.spanCtx, "mysql/wait_gtid_executed",
		trace.WithAttributes(
			attribute.String("mysql.gtid_executed", l.conn.gtidExecuted),
			attribute.String("db.statement", stmt),
		))
	l.conn.Push(NewQuerySender(l.conn, stmt,
		expectTrue(waitForMyWritesTimeoutError(), l.fail)))
	l.stage = StageWaitGtidExecutedDone
	return ResultAgain, nil
}

func (l *LazyConnector) waitGtidExecutedDone(ctx context.Context) (Result, error) {
	endSpan(l.spans.waitGtid, l.failure)
	l.spans.waitGtid = nil

	if l.failure != nil {
		// The replica is reachable but stale. Give the connection back and
		// see if falling back to the primary is still allowed.
		l.stage = StagePoolOrClose
	} else {
		l.stage = StageSetTrxCharacteristics
	}
	return ResultAgain, nil
}

// setTrxCharacteristics replays one sub-statement per pass, each with its
// own span and round trip.
func (l *LazyConnector) setTrxCharacteristics(ctx context.Context) (Result, error) {
	if l.trxRemaining == "" {
		l.stage = StageFetchUserAttrs
		return ResultAgain, nil
	}

	part, rest := nextTransactionCharacteristic(l.trxRemaining)
	l.trxRemaining = rest

	_, l.spans.setTrx = l.conn.tracer.Start(l.spanCtx, "mysql/set_trx_characteristics",
		trace.WithAttributes(attribute.String("db.statement", part)))
	l.conn.Push(NewQuerySender(l.conn, part, failOnError(l.fail)))
	l.stage = StageSetTrxCharacteristicsDone
	return ResultAgain, nil
}

// setTrxCharacteristicsDone loops back for the remaining sub-statement.
// A failed part does not stop the replay of the rest; the failure surfaces
// at Done.
func (l *LazyConnector) setTrxCharacteristicsDone(ctx context.Context) (Result, error) {
	endSpan(l.spans.setTrx, l.failure)
	l.spans.setTrx = nil

	if l.trxRemaining != "" {
		l.stage = StageSetTrxCharacteristics
	} else {
		l.stage = StageFetchUserAttrs
	}
	return ResultAgain, nil
}

func (l *LazyConnector) fetchUserAttrs(ctx context.Context) (Result, error) {
	if !l.conn.settings.RouterRequireEnforce {
		l.stage = StageSendAuthOk
		return ResultAgain, nil
	}

	l.requireDoc = mywire.Null()
	l.conn.Push(NewQuerySender(l.conn, requiredAttributesStatement,
		captureSingleValue(&l.requireDoc, l.fail)))
	l.stage = StageFetchUserAttrsDone
	return ResultAgain, nil
}

func (l *LazyConnector) fetchUserAttrsDone(ctx context.Context) (Result, error) {
	if l.failure != nil {
		l.logger.Warn("fetching required connection attributes failed",
			slog.String("error", l.failure.Message))
		l.failure = accessDeniedError(l.conn.clientState.Username)
		l.stage = StageDone
		return ResultAgain, nil
	}

	attrs, err := ParseRequiredAttributes(l.requireDoc)
	if err == nil {
		err = attrs.Check(l.conn.client.TLSState())
	}
	if err != nil {
		l.logger.Warn("client channel does not satisfy account requirements",
			slog.String("error", err.Error()))
		l.failure = accessDeniedError(l.conn.clientState.Username)
		l.stage = StageDone
		return ResultAgain, nil
	}

	l.stage = StageSendAuthOk
	return ResultAgain, nil
}

func (l *LazyConnector) sendAuthOk(ctx context.Context) (Result, error) {
	l.stage = StageDone
	if !l.inHandshake {
		return ResultAgain, nil
	}

	if err := l.conn.client.SendOK(mywire.Ok{Status: l.conn.statusFlags()}); err != nil {
		return ResultDone, err
	}
	return ResultSendToClient, nil
}

func (l *LazyConnector) poolOrClose(ctx context.Context) (Result, error) {
	l.stage = StageFallbackToWrite

	sc := l.conn.server
	if !sc.Open() {
		return ResultAgain, nil
	}

	if l.conn.pool.Stash(ctx, sc) {
		l.conn.metrics.RecordPoolStash("stashed")
		l.conn.server = nil
		return ResultAgain, nil
	}

	l.conn.metrics.RecordPoolStash("closed")
	l.conn.Push(NewQuitSender(l.conn))
	return ResultAgain, nil
}

func (l *LazyConnector) fallbackToWrite(ctx context.Context) (Result, error) {
	if l.alreadyFallback || l.conn.expectedMode == backend.ModeReadWrite {
		l.stage = StageDone
		return ResultAgain, nil
	}

	l.logger.Info("replica has not applied the client's writes, falling back to primary",
		slog.String("gtid_executed", l.conn.gtidExecuted))
	l.conn.metrics.RecordFallbackToPrimary()
	if l.spans.prepare != nil {
		l.spans.prepare.AddEvent("fallback_to_write")
	}

	l.alreadyFallback = true
	l.failure = nil
	l.conn.expectedMode = backend.ModeReadWrite

	// The restarted connect attempt opens a span of its own.
	endSpan(l.spans.prepare, nil)
	l.spans.prepare = nil

	l.stage = StageConnect
	return ResultAgain, nil
}

func (l *LazyConnector) done(ctx context.Context) (Result, error) {
	if l.conn.server != nil {
		l.conn.server.SequenceID = backend.SequenceSentinel
	}

	if l.failure != nil {
		l.conn.authenticated = false
		l.conn.metrics.RecordReconciliation("error", time.Since(l.started))
		if l.onError != nil {
			l.onError(l.failure)
			l.onError = nil
		}
	} else {
		l.conn.metrics.RecordReconciliation("ok", time.Since(l.started))
	}

	endSpan(l.spans.prepare, l.failure)
	l.spans.prepare = nil
	return ResultDone, nil
}

func endSpan(span trace.Span, failure *mysql.MyError) {
	if span == nil {
		return
	}
	if failure != nil {
		span.SetStatus(codes.Error, failure.Message)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func errorMessage(e *mysql.MyError) string {
	if e == nil {
		return ""
	}
	return e.Message
}
