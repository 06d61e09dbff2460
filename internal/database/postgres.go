package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

// PostgresSource reads tables straight from PostgreSQL, optionally through
// an SSH tunnel.
type PostgresSource struct {
	db      *sql.DB
	schema  string
	cleanup func()
	verbose bool
}

// NewPostgresSource connects to the database described by config
func NewPostgresSource(ctx context.Context, config Config) (*PostgresSource, error) {
	var connStr string
	var cleanup func()
	var err error

	if config.ConnectionString != "" {
		connStr = config.ConnectionString
	} else if config.SSHKey != "" {
		connStr, cleanup, err = SetupTunnel(config)
		if err != nil {
			return nil, fmt.Errorf("failed to setup SSH tunnel: %w", err)
		}
	} else if config.Host != "" {
		connStr = connString(config.Host, config.Port, config)
	} else {
		return nil, ErrMissingConnection
	}

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		if cleanup != nil {
			cleanup()
		}
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		if cleanup != nil {
			cleanup()
		}
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	return &PostgresSource{
		db:      db,
		schema:  "public",
		cleanup: cleanup,
		verbose: config.Verbose,
	}, nil
}

func connString(host string, port int, config Config) string {
	if port == 0 {
		port = 5432
	}
	connStr := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s",
		host,
		port,
		config.Database,
		config.User,
	)
	if config.Password != "" {
		connStr += fmt.Sprintf(" password=%s", config.Password)
	}
	return connStr
}

// Close closes the connection and the tunnel, if any
func (s *PostgresSource) Close() error {
	var err error
	if s.db != nil {
		err = s.db.Close()
	}
	if s.cleanup != nil {
		s.cleanup()
	}
	return err
}

// Ping checks that the database still answers
func (s *PostgresSource) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ListTables returns all base tables in the public schema
func (s *PostgresSource) ListTables(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT table_name
		FROM information_schema.tables
		WHERE table_schema = $1
		AND table_type = 'BASE TABLE' ORDER BY table_name
	`, s.schema)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

// FetchAll runs SELECT * against table and converts every row into a Record
// shaped the way PostgREST would have returned it.
func (s *PostgresSource) FetchAll(ctx context.Context, table string) ([]Record, error) {
	query := fmt.Sprintf("SELECT * FROM %s.%s", quoteIdent(s.schema), quoteIdent(table))
	if s.verbose {
		log.Printf("query: %s", query)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	colTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}

	values := make([]any, len(colTypes))
	valuePtrs := make([]any, len(colTypes))
	for i := range values {
		valuePtrs[i] = &values[i]
	}

	var records []Record
	for rows.Next() {
		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, err
		}

		rec := Record{Values: make(map[string]any, len(colTypes))}
		for i, ct := range colTypes {
			v, err := convertValue(values[i], ct.DatabaseTypeName())
			if err != nil {
				return nil, fmt.Errorf("column %s: %w", ct.Name(), err)
			}
			rec.Set(ct.Name(), v)
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

// convertValue maps what lib/pq scans into the value kinds the exporter
// understands. JSON columns are decoded so they are stored as JSON text
// later, numerics become numbers, and timestamps become ISO-8601 strings.
func convertValue(v any, dbType string) (any, error) {
	if v == nil {
		return nil, nil
	}

	switch val := v.(type) {
	case []byte:
		switch strings.ToUpper(dbType) {
		case "JSON", "JSONB":
			return decodeJSON(val)
		case "NUMERIC", "DECIMAL":
			return numberText(string(val)), nil
		case "BYTEA":
			if isText(val) {
				return string(val), nil
			}
			return val, nil
		default:
			return string(val), nil
		}
	case time.Time:
		switch strings.ToUpper(dbType) {
		case "DATE":
			return val.Format("2006-01-02"), nil
		case "TIME", "TIMETZ":
			return val.Format("15:04:05.999999"), nil
		default:
			return val.Format(time.RFC3339Nano), nil
		}
	default:
		return val, nil
	}
}

// numberText keeps a NUMERIC value as a number unless it is NaN or infinite.
func numberText(s string) any {
	switch strings.ToLower(s) {
	case "nan", "infinity", "-infinity":
		return s
	}
	return json.Number(s)
}

func isText(b []byte) bool {
	return !strings.Contains(string(b), "\x00")
}
