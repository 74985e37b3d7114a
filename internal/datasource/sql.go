package datasource

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "modernc.org/sqlite"

	"github.com/pitabwire/tabula/internal/config"
	"github.com/pitabwire/tabula/model"
)

// rowQuerier runs a statement and returns its rows as maps keyed by
// column name.
type rowQuerier interface {
	queryRows(ctx context.Context, query string, args []any) ([]model.Row, error)
	queryCount(ctx context.Context, query string, args []any) (int, error)
}

// SQLSource reads rows from a relational database.
type SQLSource struct {
	builder *SQLBuilder
	db      rowQuerier
}

// Fetch implements Source. Paged queries also run a COUNT over the same
// filters so the total spans every page.
func (s *SQLSource) Fetch(ctx context.Context, q model.Query) (model.Page, error) {
	stmt, args, err := s.builder.Select(q)
	if err != nil {
		return model.Page{}, model.NewBadRequestError(err.Error())
	}
	rows, err := s.db.queryRows(ctx, stmt, args)
	if err != nil {
		return model.Page{}, err
	}
	if rows == nil {
		rows = []model.Row{}
	}

	if q.Limit <= 0 {
		return model.Page{Rows: rows, Total: len(rows)}, nil
	}
	if q.Offset == 0 && len(rows) < q.Limit {
		return model.Page{Rows: rows, Total: len(rows)}, nil
	}

	countStmt, countArgs, err := s.builder.Count(q)
	if err != nil {
		return model.Page{}, model.NewBadRequestError(err.Error())
	}
	total, err := s.db.queryCount(ctx, countStmt, countArgs)
	if err != nil {
		return model.Page{}, err
	}
	return model.Page{Rows: rows, Total: total}, nil
}

// --- SQLite ---

// OpenSQLite opens a SQLite database with the pure-Go driver.
func OpenSQLite(cfg config.DatasourceConfig) (*sql.DB, error) {
	dsn := cfg.Path
	if dsn == "" {
		dsn = ":memory:"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite %s: %w", dsn, err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	return db, nil
}

// NewSQLiteSource creates a source reading def's rows from db.
func NewSQLiteSource(db *sql.DB, def model.TableDefinition) (*SQLSource, error) {
	b, err := NewSQLBuilder(DialectSQLite, def.Source, def.Columns)
	if err != nil {
		return nil, err
	}
	return &SQLSource{builder: b, db: sqlDB{db}}, nil
}

type sqlDB struct {
	db *sql.DB
}

func (s sqlDB) queryRows(ctx context.Context, query string, args []any) ([]model.Row, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite query: %w", err)
	}
	defer rows.Close()

	names, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("sqlite columns: %w", err)
	}

	var out []model.Row
	for rows.Next() {
		values := make([]any, len(names))
		ptrs := make([]any, len(names))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("sqlite scan: %w", err)
		}
		row := make(model.Row, len(names))
		for i, name := range names {
			row[name] = normalizeSQLValue(values[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite rows: %w", err)
	}
	return out, nil
}

func (s sqlDB) queryCount(ctx context.Context, query string, args []any) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite count: %w", err)
	}
	return n, nil
}

// --- PostgreSQL ---

// OpenPostgres creates a pgx connection pool and verifies connectivity.
func OpenPostgres(ctx context.Context, dsn string, cfg config.DatasourceConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres dsn: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolCfg.MinConns = int32(min(cfg.MaxIdleConns, cfg.MaxOpenConns))
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating postgres pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return pool, nil
}

// NewPostgresSource creates a source reading def's rows from pool.
func NewPostgresSource(pool *pgxpool.Pool, def model.TableDefinition) (*SQLSource, error) {
	b, err := NewSQLBuilder(DialectPostgres, def.Source, def.Columns)
	if err != nil {
		return nil, err
	}
	return &SQLSource{builder: b, db: pgDB{pool}}, nil
}

type pgDB struct {
	pool *pgxpool.Pool
}

func (p pgDB) queryRows(ctx context.Context, query string, args []any) ([]model.Row, error) {
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres query: %w", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var out []model.Row
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("postgres values: %w", err)
		}
		row := make(model.Row, len(fields))
		for i, fd := range fields {
			row[fd.Name] = normalizeSQLValue(values[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres rows: %w", err)
	}
	return out, nil
}

func (p pgDB) queryCount(ctx context.Context, query string, args []any) (int, error) {
	var n int64
	if err := p.pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres count: %w", err)
	}
	return int(n), nil
}

// normalizeSQLValue maps driver values onto the JSON-friendly kinds the
// engine compares: strings, float64, int64, bool and time.Time.
func normalizeSQLValue(v any) any {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case [16]byte:
		return uuid.UUID(x).String()
	case pgtype.Numeric:
		f, err := x.Float64Value()
		if err != nil || !f.Valid {
			return nil
		}
		return f.Float64
	case int32:
		return int64(x)
	case int16:
		return int64(x)
	case float32:
		return float64(x)
	}
	return v
}
