package db

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chaserhq/chaser/config"
	"github.com/chaserhq/chaser/consts"
	"github.com/chaserhq/chaser/logger"
	"github.com/chaserhq/chaser/pkg/metrics"
)

// Database wraps the connection pool used by every store operation.
type Database struct {
	Pool *pgxpool.Pool

	queryTimeout time.Duration

	// sweepConn pins the session holding the retention advisory lock between
	// TryRetentionLock and ReleaseRetentionLock.
	sweepMu   sync.Mutex
	sweepConn *pgxpool.Conn

	// cumulative pool stat snapshots, written only by the metrics goroutine
	lastEmptyAcquires   int64
	lastAcquireCount    int64
	lastAcquireDuration time.Duration
}

// NewDatabase creates the connection pool from the configured endpoint and
// verifies connectivity. The schema is managed separately through the embedded
// migrations (RunMigrations / the admin migrate command).
func NewDatabase(ctx context.Context, dbConfig *config.DatabaseConfig) (*Database, error) {
	connString := dbConfig.URL()

	logger.Infof("[DB] connecting to database: postgres://%s@%s:%s/%s",
		dbConfig.User, dbConfig.Host, config.PortString(dbConfig.Port, "5432"), dbConfig.Name)

	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}

	if dbConfig.Debug {
		poolConfig.ConnConfig.Tracer = &queryTracer{}
	}

	if dbConfig.MaxConns > 0 {
		poolConfig.MaxConns = int32(dbConfig.MaxConns)
	}
	if dbConfig.MinConns > 0 {
		poolConfig.MinConns = int32(dbConfig.MinConns)
	}
	lifetime, err := dbConfig.GetMaxConnLifetime()
	if err != nil {
		return nil, fmt.Errorf("invalid max_conn_lifetime: %w", err)
	}
	poolConfig.MaxConnLifetime = lifetime
	idleTime, err := dbConfig.GetMaxConnIdleTime()
	if err != nil {
		return nil, fmt.Errorf("invalid max_conn_idle_time: %w", err)
	}
	poolConfig.MaxConnIdleTime = idleTime

	queryTimeout, err := dbConfig.GetQueryTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid query_timeout: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to the database: %w", err)
	}

	logger.Infof("[DB] pool created - max_conns: %d, min_conns: %d, max_lifetime: %s, max_idle: %s",
		pool.Config().MaxConns, pool.Config().MinConns,
		pool.Config().MaxConnLifetime, pool.Config().MaxConnIdleTime)

	return &Database{
		Pool:         pool,
		queryTimeout: queryTimeout,
	}, nil
}

func (db *Database) Close() {
	if db.Pool != nil {
		db.Pool.Close()
	}
}

// queryContext applies the configured per-query timeout. The caller must hold
// the cancel func until the query result is fully consumed.
func (db *Database) queryContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if db.queryTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, db.queryTimeout)
}

// StartPoolMetrics starts a goroutine that periodically exports connection
// pool gauges until the context is cancelled.
func (db *Database) StartPoolMetrics(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				db.collectPoolStats()
			}
		}
	}()
}

func (db *Database) collectPoolStats() {
	if db.Pool == nil {
		return
	}
	stats := db.Pool.Stat()
	metrics.DBPoolTotalConns.Set(float64(stats.TotalConns()))
	metrics.DBPoolIdleConns.Set(float64(stats.IdleConns()))
	metrics.DBPoolInUseConns.Set(float64(stats.AcquiredConns()))

	// Stat counters are cumulative; export deltas since the last collection.
	if waited := stats.EmptyAcquireCount() - db.lastEmptyAcquires; waited > 0 {
		metrics.DBPoolExhaustion.Add(float64(waited))
		db.lastEmptyAcquires = stats.EmptyAcquireCount()
	}
	if n := stats.AcquireCount() - db.lastAcquireCount; n > 0 {
		avg := (stats.AcquireDuration() - db.lastAcquireDuration) / time.Duration(n)
		metrics.DBConnectionPoolWaitTime.Observe(avg.Seconds())
		db.lastAcquireCount = stats.AcquireCount()
		db.lastAcquireDuration = stats.AcquireDuration()
	}
}

// queryTracer logs every statement when database debug logging is enabled.
type queryTracer struct{}

type traceStartKey struct{}

func (t *queryTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	logger.Debugf("[DB] query: %s args: %v", data.SQL, data.Args)
	return context.WithValue(ctx, traceStartKey{}, time.Now())
}

func (t *queryTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	if data.Err != nil {
		logger.Debugf("[DB] query failed: %v", data.Err)
		return
	}
	if start, ok := ctx.Value(traceStartKey{}).(time.Time); ok {
		logger.Debugf("[DB] query done: %s in %s", data.CommandTag, time.Since(start))
	}
}

// measuredTx wraps a pgx.Tx to record metrics on commit or rollback.
type measuredTx struct {
	pgx.Tx
	start time.Time
}

// BeginTx starts a new transaction and wraps it for metric collection.
func (db *Database) BeginTx(ctx context.Context) (pgx.Tx, error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", consts.ErrDBBeginTransactionFailed, err)
	}

	return &measuredTx{
		Tx:    tx,
		start: time.Now(),
	}, nil
}

func (mtx *measuredTx) Commit(ctx context.Context) error {
	err := mtx.Tx.Commit(ctx)
	if err == nil {
		metrics.DBTransactionsTotal.WithLabelValues("commit").Inc()
	}
	metrics.DBTransactionDuration.Observe(time.Since(mtx.start).Seconds())
	return err
}

func (mtx *measuredTx) Rollback(ctx context.Context) error {
	err := mtx.Tx.Rollback(ctx)
	// A rollback attempt is counted even if the rollback itself fails.
	metrics.DBTransactionsTotal.WithLabelValues("rollback").Inc()
	metrics.DBTransactionDuration.Observe(time.Since(mtx.start).Seconds())
	return err
}

// TimedQueryRow wraps QueryRow with query count and duration metrics.
func (db *Database) TimedQueryRow(ctx context.Context, operation string, sql string, args ...interface{}) pgx.Row {
	start := time.Now()
	row := db.Pool.QueryRow(ctx, sql, args...)
	metrics.DBQueryDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	metrics.DBQueriesTotal.WithLabelValues(operation, "success").Inc()
	return row
}

// TimedQuery wraps Query with query count and duration metrics.
func (db *Database) TimedQuery(ctx context.Context, operation string, sql string, args ...interface{}) (pgx.Rows, error) {
	start := time.Now()
	rows, err := db.Pool.Query(ctx, sql, args...)
	metrics.DBQueryDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.DBQueriesTotal.WithLabelValues(operation, "failure").Inc()
	} else {
		metrics.DBQueriesTotal.WithLabelValues(operation, "success").Inc()
	}
	return rows, err
}

// TimedExec wraps Exec with query count and duration metrics.
func (db *Database) TimedExec(ctx context.Context, operation string, sql string, args ...interface{}) error {
	start := time.Now()
	_, err := db.Pool.Exec(ctx, sql, args...)
	metrics.DBQueryDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.DBQueriesTotal.WithLabelValues(operation, "failure").Inc()
	} else {
		metrics.DBQueriesTotal.WithLabelValues(operation, "success").Inc()
	}
	return err
}
