package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)

	"github.com/raaihank/edge-sentinel/internal/detector"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

func init() {
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

// migrations are applied in order and tracked in schema_versions. The SQL is
// kept to the subset both drivers accept; timestamps are unix milliseconds.
var migrations = []struct {
	version    int
	statements []string
}{
	{
		version: 1,
		statements: []string{
			`CREATE TABLE IF NOT EXISTS alerts (
    id          TEXT PRIMARY KEY,
    ts_ms       BIGINT NOT NULL,
    request_id  TEXT NOT NULL DEFAULT '',
    source      TEXT NOT NULL DEFAULT '',
    pred        TEXT NOT NULL,
    sev         TEXT NOT NULL,
    score       DOUBLE PRECISION NOT NULL DEFAULT 0,
    confidence  DOUBLE PRECISION NOT NULL DEFAULT 0,
    mse         DOUBLE PRECISION NOT NULL DEFAULT 0,
    meta        TEXT NOT NULL DEFAULT '{}'
)`,
			`CREATE INDEX IF NOT EXISTS idx_alerts_ts ON alerts(ts_ms DESC)`,
			`CREATE INDEX IF NOT EXISTS idx_alerts_sev ON alerts(sev)`,
		},
	},
	{
		version: 2,
		statements: []string{
			`CREATE INDEX IF NOT EXISTS idx_alerts_pred ON alerts(pred)`,
		},
	},
}

type alertRow struct {
	ID         string  `db:"id"`
	TsMs       int64   `db:"ts_ms"`
	RequestID  string  `db:"request_id"`
	Source     string  `db:"source"`
	Label      string  `db:"pred"`
	Severity   string  `db:"sev"`
	Score      float64 `db:"score"`
	Confidence float64 `db:"confidence"`
	MSE        float64 `db:"mse"`
	Meta       string  `db:"meta"`
}

// Query filters Recent.
type Query struct {
	Limit       int
	MinSeverity detector.Severity
	Since       time.Time
}

// SQLStore persists alerts in Postgres or SQLite.
type SQLStore struct {
	db     *sqlx.DB
	driver string
	logger *zap.Logger
}

// OpenStore connects, configures the pool and applies pending migrations.
func OpenStore(ctx context.Context, cfg StoreConfig, logger *zap.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	driver := strings.ToLower(cfg.Driver)
	switch driver {
	case DriverPostgres, DriverSQLite:
	case "sqlite3":
		driver = DriverSQLite
	default:
		return nil, fmt.Errorf("unsupported alert store driver %q", cfg.Driver)
	}

	db, err := sqlx.ConnectContext(ctx, driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to alert store: %w", err)
	}

	if driver == DriverSQLite {
		// One writer; also keeps ":memory:" databases on a single connection.
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL`); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable WAL: %w", err)
		}
	} else {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	s := &SQLStore{db: db, driver: driver, logger: logger}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("Alert store initialized",
		zap.String("driver", driver),
		zap.String("dsn", maskDatabaseURL(cfg.DSN)),
	)
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_versions (
    version     INTEGER PRIMARY KEY,
    applied_at  BIGINT NOT NULL
)`); err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		if err := s.db.GetContext(ctx, &count, s.db.Rebind(`SELECT COUNT(*) FROM schema_versions WHERE version = ?`), m.version); err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue
		}

		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.version, err)
		}
		for _, stmt := range m.statements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("apply migration %d: %w", m.version, err)
			}
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO schema_versions(version, applied_at) VALUES(?, ?)`), m.version, time.Now().UnixMilli()); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.version, err)
		}
		s.logger.Debug("Applied alert store migration", zap.Int("version", m.version))
	}
	return nil
}

func (s *SQLStore) Name() string { return "sql" }

func (s *SQLStore) Write(ctx context.Context, a Alert) error {
	return s.Insert(ctx, a)
}

// Insert stores one alert.
func (s *SQLStore) Insert(ctx context.Context, a Alert) error {
	meta, err := json.Marshal(a.Meta)
	if err != nil {
		return fmt.Errorf("failed to encode alert metadata: %w", err)
	}
	row := alertRow{
		ID:         a.ID,
		TsMs:       a.Timestamp.UnixMilli(),
		RequestID:  a.RequestID,
		Source:     a.Source,
		Label:      a.Label,
		Severity:   a.Severity,
		Score:      a.Score,
		Confidence: a.Confidence,
		MSE:        a.MSE,
		Meta:       string(meta),
	}
	_, err = s.db.NamedExecContext(ctx, `INSERT INTO alerts
		(id, ts_ms, request_id, source, pred, sev, score, confidence, mse, meta)
		VALUES (:id, :ts_ms, :request_id, :source, :pred, :sev, :score, :confidence, :mse, :meta)`, row)
	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}
	return nil
}

// Recent returns the newest alerts first.
func (s *SQLStore) Recent(ctx context.Context, q Query) ([]Alert, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}

	var (
		where []string
		args  []any
	)
	if !q.Since.IsZero() {
		where = append(where, "ts_ms >= ?")
		args = append(args, q.Since.UnixMilli())
	}
	if sevs := severitiesAtLeast(q.MinSeverity); len(sevs) < 3 {
		where = append(where, "sev IN (?"+strings.Repeat(", ?", len(sevs)-1)+")")
		for _, sev := range sevs {
			args = append(args, sev)
		}
	}

	query := `SELECT id, ts_ms, request_id, source, pred, sev, score, confidence, mse, meta FROM alerts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ts_ms DESC, id LIMIT ?"
	args = append(args, q.Limit)

	var rows []alertRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}

	out := make([]Alert, 0, len(rows))
	for _, r := range rows {
		a := Alert{
			ID:         r.ID,
			Timestamp:  time.UnixMilli(r.TsMs).UTC(),
			RequestID:  r.RequestID,
			Source:     r.Source,
			Label:      r.Label,
			Severity:   r.Severity,
			Score:      r.Score,
			Confidence: r.Confidence,
			MSE:        r.MSE,
		}
		if err := json.Unmarshal([]byte(r.Meta), &a.Meta); err != nil {
			return nil, fmt.Errorf("alert %s has invalid metadata: %w", r.ID, err)
		}
		out = append(out, a)
	}
	return out, nil
}

// CountBySeverity counts alerts at or after since, keyed by severity.
func (s *SQLStore) CountBySeverity(ctx context.Context, since time.Time) (map[string]int64, error) {
	var rows []struct {
		Severity string `db:"sev"`
		Count    int64  `db:"n"`
	}
	query := s.db.Rebind(`SELECT sev, COUNT(*) AS n FROM alerts WHERE ts_ms >= ? GROUP BY sev`)
	if err := s.db.SelectContext(ctx, &rows, query, since.UnixMilli()); err != nil {
		return nil, fmt.Errorf("failed to count alerts: %w", err)
	}
	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.Severity] = r.Count
	}
	return counts, nil
}

// Ping checks the database connection.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func severitiesAtLeast(floor detector.Severity) []string {
	var out []string
	for _, sev := range []detector.Severity{detector.SeverityLow, detector.SeverityMedium, detector.SeverityHigh} {
		if sev.Rank() >= floor.Rank() {
			out = append(out, string(sev))
		}
	}
	return out
}

// maskDatabaseURL hides the password in a URL-style DSN.
func maskDatabaseURL(url string) string {
	at := strings.LastIndex(url, "@")
	if at < 0 {
		return url
	}
	userPart := url[:at]
	colon := strings.LastIndex(userPart, ":")
	scheme := strings.Index(userPart, "://")
	if colon < 0 || (scheme >= 0 && colon <= scheme+2) {
		return url
	}
	return userPart[:colon+1] + "***" + url[at:]
}
