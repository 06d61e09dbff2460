package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// SQLite drivers a backup can be written with
const (
	DriverCgo    = "sqlite3" // github.com/mattn/go-sqlite3
	DriverPureGo = "sqlite"  // modernc.org/sqlite
)

const defaultBatchSize = 1000

// Backup is the local SQLite file a run writes into.
type Backup struct {
	db        *sql.DB
	path      string
	batchSize int
}

// TableInfo describes a table found in a backup file
type TableInfo struct {
	Name    string
	Columns []Column
	Rows    int64
}

// BackupFileName names the file for a run started at t.
func BackupFileName(t time.Time) string {
	return fmt.Sprintf("backup_%s.db", t.Format("20060102_150405"))
}

// BackupPath returns config.OutputFile when set, otherwise a timestamped
// file in config.OutputDir.
func BackupPath(config Config, now time.Time) string {
	if config.OutputFile != "" {
		return config.OutputFile
	}
	dir := config.OutputDir
	if dir == "" {
		dir = "backups"
	}
	return filepath.Join(dir, BackupFileName(now))
}

// OpenBackup opens (creating if needed) the SQLite file at path. An existing
// file is reused as is.
func OpenBackup(ctx context.Context, path, driver string) (*Backup, error) {
	if driver == "" {
		driver = DriverCgo
	}
	if driver != DriverCgo && driver != DriverPureGo {
		return nil, fmt.Errorf("unknown SQLite driver %q", driver)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create backup directory: %w", err)
		}
	}

	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("failed to create SQLite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	return &Backup{db: db, path: path, batchSize: defaultBatchSize}, nil
}

// SetBatchSize sets how many rows are written per transaction. Zero or less
// writes each table in a single transaction.
func (b *Backup) SetBatchSize(n int) {
	b.batchSize = n
}

// Path returns the backup file path
func (b *Backup) Path() string {
	return b.path
}

// Close closes the database
func (b *Backup) Close() error {
	return b.db.Close()
}

// Size returns the size of the backup file in bytes
func (b *Backup) Size() (int64, error) {
	fi, err := os.Stat(b.path)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// Vacuum rebuilds the file to reclaim free pages
func (b *Backup) Vacuum(ctx context.Context) error {
	if _, err := b.db.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("failed to vacuum database: %w", err)
	}
	return nil
}

// CreateTableSQL builds the CREATE TABLE IF NOT EXISTS statement for an
// inferred schema.
func CreateTableSQL(table string, cols []Column) (string, error) {
	if strings.TrimSpace(table) == "" {
		return "", fmt.Errorf("table name must not be empty")
	}
	if len(cols) == 0 {
		return "", fmt.Errorf("table %s: at least one column is required", table)
	}

	defs := make([]string, 0, len(cols))
	for _, col := range cols {
		def := fmt.Sprintf("%s %s", quoteIdent(col.Name), col.Class)
		if col.PrimaryKey {
			def += " PRIMARY KEY"
		}
		defs = append(defs, def)
	}

	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", quoteIdent(table), strings.Join(defs, ", ")), nil
}

// insertSQL replaces rows sharing a primary key when the table has one and
// plainly inserts otherwise.
func insertSQL(table string, cols []Column) string {
	names := make([]string, len(cols))
	placeholders := make([]string, len(cols))
	for i, col := range cols {
		names[i] = quoteIdent(col.Name)
		placeholders[i] = "?"
	}

	verb := "INSERT"
	if hasPrimaryKey(cols) {
		verb = "INSERT OR REPLACE"
	}
	return fmt.Sprintf("%s INTO %s (%s) VALUES (%s)",
		verb,
		quoteIdent(table),
		strings.Join(names, ", "),
		strings.Join(placeholders, ", "),
	)
}

// EnsureTable creates the table unless it already exists. An existing table
// keeps its schema.
func (b *Backup) EnsureTable(ctx context.Context, table string, cols []Column) error {
	query, err := CreateTableSQL(table, cols)
	if err != nil {
		return err
	}
	if _, err := b.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}
	return nil
}

// WriteRecords upserts records into table using the columns of cols. A
// column missing from a record is written as NULL; names not in cols are
// ignored. Rows are committed every batch size rows, so on error the rows of
// earlier batches stay. onRow, if set, is called after each row.
func (b *Backup) WriteRecords(ctx context.Context, table string, cols []Column, records []Record, onRow func()) (int, error) {
	query := insertSQL(table, cols)

	var (
		tx   *sql.Tx
		stmt *sql.Stmt
	)
	begin := func() error {
		var err error
		tx, err = b.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		stmt, err = tx.PrepareContext(ctx, query)
		if err != nil {
			return fmt.Errorf("failed to prepare insert: %w", err)
		}
		return nil
	}
	commit := func() error {
		stmt.Close()
		stmt = nil
		err := tx.Commit()
		tx = nil
		if err != nil {
			return fmt.Errorf("failed to commit: %w", err)
		}
		return nil
	}
	defer func() {
		if stmt != nil {
			stmt.Close()
		}
		if tx != nil {
			tx.Rollback()
		}
	}()

	if err := begin(); err != nil {
		return 0, err
	}

	written := 0
	for i, rec := range records {
		args, err := rowValues(cols, rec)
		if err != nil {
			return written, fmt.Errorf("row %d: %w", i, err)
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return written, fmt.Errorf("row %d: %w", i, err)
		}
		if onRow != nil {
			onRow()
		}

		if b.batchSize > 0 && (i+1)%b.batchSize == 0 && i+1 < len(records) {
			if err := commit(); err != nil {
				return written, err
			}
			written = i + 1
			if err := begin(); err != nil {
				return written, err
			}
		}
	}

	if err := commit(); err != nil {
		return written, err
	}
	return len(records), nil
}

func rowValues(cols []Column, rec Record) ([]any, error) {
	args := make([]any, len(cols))
	for i, col := range cols {
		v, err := encodeValue(rec.Values[col.Name])
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", col.Name, err)
		}
		args[i] = v
	}
	return args, nil
}

// HasTable reports whether table exists in the backup
func (b *Backup) HasTable(ctx context.Context, table string) (bool, error) {
	var n int
	err := b.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", table,
	).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Tables lists the user tables in the backup with their columns and row
// counts.
func (b *Backup) Tables(ctx context.Context) ([]TableInfo, error) {
	rows, err := b.db.QueryContext(ctx,
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name")
	if err != nil {
		return nil, err
	}
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, err
		}
		names = append(names, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	tables := make([]TableInfo, 0, len(names))
	for _, name := range names {
		cols, err := b.columns(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("table %s: %w", name, err)
		}
		info := TableInfo{Name: name, Columns: cols}
		if err := b.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+quoteIdent(name)).Scan(&info.Rows); err != nil {
			return nil, fmt.Errorf("table %s: %w", name, err)
		}
		tables = append(tables, info)
	}
	return tables, nil
}

func (b *Backup) columns(ctx context.Context, table string) ([]Column, error) {
	rows, err := b.db.QueryContext(ctx, "PRAGMA table_info("+quoteIdent(table)+")")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []Column
	for rows.Next() {
		var (
			cid      int
			name     string
			colType  string
			notNull  int
			defValue sql.NullString
			pk       int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defValue, &pk); err != nil {
			return nil, err
		}
		cols = append(cols, Column{
			Name:       name,
			Class:      parseStorageClass(colType),
			PrimaryKey: pk > 0,
		})
	}
	return cols, rows.Err()
}

func parseStorageClass(s string) StorageClass {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "INTEGER":
		return Integer
	case "REAL":
		return Real
	default:
		return Text
	}
}

func quoteIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}
