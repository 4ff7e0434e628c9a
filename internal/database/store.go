package database

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/CodeMonkeyCybersecurity/wafcompare/internal/config"
	"github.com/CodeMonkeyCybersecurity/wafcompare/internal/core"
	"github.com/CodeMonkeyCybersecurity/wafcompare/internal/logger"
	"github.com/CodeMonkeyCybersecurity/wafcompare/pkg/types"
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// resultColumns is the sink layout, in insert order. Mixed-case names are
// quoted so Postgres keeps their case.
var resultColumns = []struct {
	name    string
	sqlType string
}{
	{"method", "TEXT"},
	{"url", "TEXT"},
	{"headers", "TEXT"},
	{"data", "TEXT"},
	{"sourceDataset", "TEXT"},
	{"sourceTestCase", "TEXT"},
	{"response_status_code", "BIGINT"},
	{"response_headers", "TEXT"},
	{"isBlocked", "BOOLEAN"},
	{"machineName", "TEXT"},
	{"DestinationURL", "TEXT"},
	{"WAF_Name", "TEXT"},
	{"DateTime", "TIMESTAMP"},
	{"TestName", "TEXT"},
	{"dataset", "TEXT"},
}

// Store is the Postgres result sink. It is safe for sequential use by one
// recorder at a time.
type Store struct {
	db     *sqlx.DB
	cfg    config.DatabaseConfig
	table  string
	logger *logger.Logger
}

// NewStore opens the connection pool. It does not contact the server; use
// Ping for that.
func NewStore(cfg config.DatabaseConfig, log *logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.NewNop()
	}
	log = log.WithComponent("database")

	table := cfg.Table
	if table == "" {
		table = config.DefaultTable
	}
	if err := ValidateTableName(table); err != nil {
		return nil, err
	}

	driver := cfg.Driver
	if driver == "" {
		driver = "postgres"
	}

	db, err := sqlx.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxConnections > 0 {
		db.SetMaxOpenConns(cfg.MaxConnections)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	log.Debugw("Database connection pool configured",
		"driver", driver,
		"dsn_masked", maskDSN(cfg.DSN),
		"table", table,
		"max_open_conns", cfg.MaxConnections,
		"max_idle_conns", cfg.MaxIdleConns,
	)

	return &Store{
		db:     db,
		cfg:    cfg,
		table:  table,
		logger: log,
	}, nil
}

// ValidateTableName rejects anything that is not a plain SQL identifier; the
// name is interpolated into DDL.
func ValidateTableName(name string) error {
	if !tableNamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", core.ErrInvalidTableName, name)
	}
	return nil
}

func maskDSN(dsn string) string {
	if len(dsn) > 10 {
		return dsn[:5] + "***" + dsn[len(dsn)-5:]
	}
	return "***"
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (s *Store) Table() string { return s.table }

func (s *Store) DB() *sqlx.DB { return s.db }

// Ping wraps any failure in core.ErrSinkUnavailable.
func (s *Store) Ping(ctx context.Context) error {
	start := time.Now()
	if err := s.db.PingContext(ctx); err != nil {
		s.logger.LogError(ctx, err, "database.Ping", "dsn_masked", maskDSN(s.cfg.DSN))
		return fmt.Errorf("%w: %v", core.ErrSinkUnavailable, err)
	}
	s.logger.LogDuration(ctx, "database.Ping", start)
	return nil
}

func (s *Store) DropResults(ctx context.Context) error {
	start := time.Now()
	ctx, span := s.logger.StartOperation(ctx, "database.DropResults", "table", s.table)
	var err error
	defer func() {
		s.logger.FinishOperation(ctx, span, "database.DropResults", start, err)
	}()

	if _, err = s.db.ExecContext(ctx, dropTableSQL(s.table)); err != nil {
		return fmt.Errorf("%w: failed to drop %s: %v", core.ErrSinkUnavailable, s.table, err)
	}

	s.logger.LogDatabaseOperation(ctx, "DROP", s.table, 0, time.Since(start))
	return nil
}

func (s *Store) EnsureResultsTable(ctx context.Context) error {
	start := time.Now()
	if _, err := s.db.ExecContext(ctx, createTableSQL(s.table)); err != nil {
		s.logger.LogError(ctx, err, "database.EnsureResultsTable", "table", s.table)
		return fmt.Errorf("failed to create %s: %w", s.table, err)
	}
	s.logger.LogDatabaseOperation(ctx, "CREATE", s.table, 0, time.Since(start))
	return nil
}

// AppendRecords inserts the batch in one transaction.
func (s *Store) AppendRecords(ctx context.Context, records []types.ResultRecord) error {
	if len(records) == 0 {
		return nil
	}

	start := time.Now()
	ctx, span := s.logger.StartOperation(ctx, "database.AppendRecords",
		"table", s.table,
		"records", len(records),
	)
	var err error
	defer func() {
		s.logger.FinishOperation(ctx, span, "database.AppendRecords", start, err)
	}()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := insertSQL(s.table)
	var rowsAffected int64
	for i := range records {
		result, execErr := tx.NamedExecContext(ctx, query, &records[i])
		if execErr != nil {
			err = execErr
			s.logger.LogError(ctx, err, "database.AppendRecords.insert",
				"table", s.table,
				"record_index", i,
				"waf", records[i].WAFName,
			)
			return fmt.Errorf("failed to insert record %d: %w", i, err)
		}
		n, _ := result.RowsAffected()
		rowsAffected += n
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit records: %w", err)
	}

	s.logger.LogDatabaseOperation(ctx, "INSERT", s.table, rowsAffected, time.Since(start))
	return nil
}

// Summarize counts outcomes per WAF and dataset.
func (s *Store) Summarize(ctx context.Context) ([]types.OutcomeCount, error) {
	start := time.Now()
	var counts []types.OutcomeCount
	if err := s.db.SelectContext(ctx, &counts, summarySQL(s.table)); err != nil {
		s.logger.LogError(ctx, err, "database.Summarize", "table", s.table)
		return nil, fmt.Errorf("failed to summarize %s: %w", s.table, err)
	}
	s.logger.LogDatabaseOperation(ctx, "SELECT", s.table, int64(len(counts)), time.Since(start))
	return counts, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func dropTableSQL(table string) string {
	return fmt.Sprintf("DROP TABLE IF EXISTS %s", quoteIdent(table))
}

func createTableSQL(table string) string {
	cols := make([]string, len(resultColumns))
	for i, c := range resultColumns {
		cols[i] = fmt.Sprintf("\t%s %s", quoteIdent(c.name), c.sqlType)
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n%s\n)", quoteIdent(table), strings.Join(cols, ",\n"))
}

func insertSQL(table string) string {
	names := make([]string, len(resultColumns))
	binds := make([]string, len(resultColumns))
	for i, c := range resultColumns {
		names[i] = quoteIdent(c.name)
		binds[i] = ":" + c.name
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", quoteIdent(table), strings.Join(names, ", "), strings.Join(binds, ", "))
}

func summarySQL(table string) string {
	return fmt.Sprintf(`
		SELECT
			"WAF_Name" AS waf_name,
			dataset,
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE response_status_code <> 0 AND "isBlocked") AS blocked,
			COUNT(*) FILTER (WHERE response_status_code <> 0 AND NOT "isBlocked") AS not_blocked,
			COUNT(*) FILTER (WHERE response_status_code = 0) AS failed
		FROM %s
		GROUP BY "WAF_Name", dataset
		ORDER BY "WAF_Name", dataset
	`, quoteIdent(table))
}
