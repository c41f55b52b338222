package backend

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"

	"github.com/XSAM/otelsql"
	mysqldriver "github.com/go-sql-driver/mysql"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// ProbeOpener opens a database handle for probing one destination.
// Injectable so tests can substitute a mock.
type ProbeOpener func(addr string) (*sql.DB, error)

// OpenProbe returns a ProbeOpener that dials with the MySQL driver,
// instrumented with otelsql so probe queries show up in traces.
func OpenProbe(username, password string, timeout time.Duration) ProbeOpener {
	return func(addr string) (*sql.DB, error) {
		cfg := mysqldriver.NewConfig()
		cfg.User = username
		cfg.Passwd = password
		cfg.Net = "tcp"
		cfg.Addr = addr
		cfg.Timeout = timeout
		cfg.ReadTimeout = timeout

		db, err := otelsql.Open("mysql", cfg.FormatDSN(),
			otelsql.WithAttributes(semconv.DBSystemMySQL))
		if err != nil {
			return nil, err
		}
		// One connection is plenty for a prober.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		return db, nil
	}
}

// HealthConfig tunes the destination prober.
type HealthConfig struct {
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold int
}

func (c HealthConfig) withDefaults() HealthConfig {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	return c
}

// HealthMonitor pings every destination on an interval and keeps the
// routing table's availability and observed roles current. A destination is
// marked down after FailureThreshold consecutive probe failures and up
// again on the first success.
type HealthMonitor struct {
	logger *slog.Logger
	dests  *Destinations
	open   ProbeOpener
	cfg    HealthConfig

	mu       sync.Mutex
	dbs      map[string]*sql.DB
	failures map[string]int
}

func NewHealthMonitor(logger *slog.Logger, dests *Destinations, open ProbeOpener, cfg HealthConfig) *HealthMonitor {
	return &HealthMonitor{
		logger:   logger,
		dests:    dests,
		open:     open,
		cfg:      cfg.withDefaults(),
		dbs:      make(map[string]*sql.DB),
		failures: make(map[string]int),
	}
}

// Run probes all destinations immediately, then on every interval tick,
// until the context is canceled.
func (m *HealthMonitor) Run(ctx context.Context) error {
	m.CheckAll(ctx)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.Close()
			return ctx.Err()
		case <-ticker.C:
			m.CheckAll(ctx)
		}
	}
}

// CheckAll probes every destination once.
func (m *HealthMonitor) CheckAll(ctx context.Context) {
	for _, dest := range m.dests.All() {
		m.check(ctx, dest)
	}
}

func (m *HealthMonitor) check(ctx context.Context, dest *Destination) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	start := time.Now()
	readOnly, err := m.probe(ctx, dest.Address)
	elapsed := time.Since(start)

	if err != nil {
		m.noteFailure(dest, elapsed, err)
		return
	}

	mode := ModeReadWrite
	if readOnly {
		mode = ModeReadOnly
	}
	if prev := dest.ObservedMode(); prev != ModeUnavailable && prev != mode {
		m.logger.Warn("destination changed role",
			slog.String("destination", dest.Address),
			slog.String("from", prev.String()),
			slog.String("to", mode.String()))
	}
	dest.SetObservedMode(mode)

	m.mu.Lock()
	m.failures[dest.Address] = 0
	m.mu.Unlock()

	if !dest.Available() {
		m.logger.Info("destination is back up",
			slog.String("destination", dest.Address),
			slog.Duration("probe_time", elapsed))
	}
	dest.SetAvailable(true)
}

func (m *HealthMonitor) probe(ctx context.Context, addr string) (readOnly bool, err error) {
	db, err := m.db(addr)
	if err != nil {
		return false, err
	}
	if err := db.PingContext(ctx); err != nil {
		return false, err
	}
	err = db.QueryRowContext(ctx, "SELECT @@GLOBAL.read_only").Scan(&readOnly)
	return readOnly, err
}

func (m *HealthMonitor) noteFailure(dest *Destination, elapsed time.Duration, err error) {
	m.mu.Lock()
	m.failures[dest.Address]++
	n := m.failures[dest.Address]
	m.mu.Unlock()

	m.logger.Warn("destination probe failed",
		slog.String("destination", dest.Address),
		slog.Int("consecutive_failures", n),
		slog.Duration("probe_time", elapsed),
		slog.String("error", err.Error()))

	if n >= m.cfg.FailureThreshold && dest.Available() {
		m.logger.Error("marking destination down",
			slog.String("destination", dest.Address),
			slog.Int("consecutive_failures", n))
		dest.SetAvailable(false)
	}
}

func (m *HealthMonitor) db(addr string) (*sql.DB, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if db, ok := m.dbs[addr]; ok {
		return db, nil
	}
	db, err := m.open(addr)
	if err != nil {
		return nil, err
	}
	m.dbs[addr] = db
	return db, nil
}

// Close releases every probe handle.
func (m *HealthMonitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for addr, db := range m.dbs {
		_ = db.Close()
		delete(m.dbs, addr)
	}
}
