package database

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/brianvoe/gofakeit/v6"
)

// fakeSource serves canned tables and records which ones were fetched.
type fakeSource struct {
	tables  map[string][]Record
	errs    map[string]error
	fetched []string
	closed  bool
}

func (s *fakeSource) FetchAll(ctx context.Context, table string) ([]Record, error) {
	s.fetched = append(s.fetched, table)
	if err := s.errs[table]; err != nil {
		return nil, err
	}
	return s.tables[table], nil
}

func (s *fakeSource) ListTables(ctx context.Context) ([]string, error) {
	var names []string
	for _, name := range []string{"a", "b", "c", "items", "users"} {
		if _, ok := s.tables[name]; ok {
			names = append(names, name)
		}
	}
	return names, nil
}

func (s *fakeSource) Ping(ctx context.Context) error { return nil }

func (s *fakeSource) Close() error {
	s.closed = true
	return nil
}

var _ Source = (*fakeSource)(nil)

func fakeItems(seed int64, n int) []Record {
	f := gofakeit.New(seed)
	records := make([]Record, 0, n)
	for i := 1; i <= n; i++ {
		records = append(records, NewRecord(
			Field{"id", i},
			Field{"name", f.ProductName()},
			Field{"quantity", f.Number(0, 500)},
			Field{"price", f.Float64Range(1, 100)},
			Field{"active", f.Bool()},
			Field{"metadata", Object{{Name: "sku", Value: f.UUID()}, {Name: "tags", Value: []any{f.Color()}}}},
			Field{"location_id", nil},
		))
	}
	return records
}

func TestExporterSampleRecord(t *testing.T) {
	t.Parallel()

	records, err := DecodeRecords([]byte(`[{"id": 1, "active": true, "meta": {"a": 1}, "name": "x"}]`))
	if err != nil {
		t.Fatalf("DecodeRecords() error = %v", err)
	}

	var out bytes.Buffer
	b := newTestBackup(t)
	e := newExporter(&fakeSource{tables: map[string][]Record{"items": records}}, b, Config{Tables: []string{"items"}}, &out)

	res := e.ExportTable(context.Background(), "items")
	if res.Status != StatusWritten || res.Rows != 1 || res.Err != nil {
		t.Fatalf("ExportTable() = %+v, want 1 row written", res)
	}
	if !strings.Contains(out.String(), "Backing up items... (1 records)") {
		t.Errorf("output = %q, want record count line", out.String())
	}

	tables, err := b.Tables(context.Background())
	if err != nil {
		t.Fatalf("Tables() error = %v", err)
	}
	want := []Column{
		{Name: "id", Class: Integer, PrimaryKey: true},
		{Name: "active", Class: Integer},
		{Name: "meta", Class: Text},
		{Name: "name", Class: Text},
	}
	if len(tables) != 1 || len(tables[0].Columns) != len(want) {
		t.Fatalf("Tables() = %+v, want one table with %d columns", tables, len(want))
	}
	for i := range want {
		if tables[0].Columns[i] != want[i] {
			t.Errorf("column %d = %+v, want %+v", i, tables[0].Columns[i], want[i])
		}
	}

	var meta string
	if err := b.db.QueryRow(`SELECT "meta" FROM "items"`).Scan(&meta); err != nil {
		t.Fatalf("select: %v", err)
	}
	if meta != `{"a": 1}` {
		t.Errorf("meta = %q, want %q", meta, `{"a": 1}`)
	}
}

func TestExporterDropsColumnsMissingFromFirstRow(t *testing.T) {
	var logs bytes.Buffer
	log.SetOutput(&logs)
	t.Cleanup(func() { log.SetOutput(os.Stderr) })

	records, err := DecodeRecords([]byte(`[
		{"id": 1, "name": "drill"},
		{"id": 2, "name": "level", "serial": "L-22"},
		{"id": 3, "serial": "X-1", "notes": {"k": 1}}
	]`))
	if err != nil {
		t.Fatalf("DecodeRecords() error = %v", err)
	}

	b := newTestBackup(t)
	e := newExporter(&fakeSource{tables: map[string][]Record{"items": records}}, b, Config{}, nil)

	res := e.ExportTable(context.Background(), "items")
	if res.Status != StatusWritten || res.Rows != 3 {
		t.Fatalf("ExportTable() = %+v, want 3 rows written", res)
	}
	if got := countRows(t, b, "items"); got != 3 {
		t.Errorf("rows = %d, want 3", got)
	}

	tables, err := b.Tables(context.Background())
	if err != nil {
		t.Fatalf("Tables() error = %v", err)
	}
	var names []string
	for _, col := range tables[0].Columns {
		names = append(names, col.Name)
	}
	if got := strings.Join(names, ","); got != "id,name" {
		t.Errorf("columns = %s, want id,name", got)
	}

	var name sql.NullString
	if err := b.db.QueryRow(`SELECT "name" FROM "items" WHERE "id" = 3`).Scan(&name); err != nil {
		t.Fatalf("select: %v", err)
	}
	if name.Valid {
		t.Errorf("name of row 3 = %q, want NULL", name.String)
	}

	if got := strings.Count(logs.String(), "ignoring columns"); got != 1 {
		t.Errorf("logged %d dropped-column lines, want 1:\n%s", got, logs.String())
	}
	if !strings.Contains(logs.String(), "serial, notes") {
		t.Errorf("log = %q, want serial and notes named", logs.String())
	}
}

func TestExporterEmptyTableCreatesNothing(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	b := newTestBackup(t)
	e := newExporter(&fakeSource{tables: map[string][]Record{"users": {}}}, b, Config{}, &out)

	res := e.ExportTable(context.Background(), "users")
	if res.Status != StatusEmpty || res.Err != nil {
		t.Fatalf("ExportTable() = %+v, want empty", res)
	}
	if !strings.Contains(out.String(), "Backing up users... (empty)") {
		t.Errorf("output = %q, want (empty)", out.String())
	}

	ok, err := b.HasTable(context.Background(), "users")
	if err != nil {
		t.Fatalf("HasTable() error = %v", err)
	}
	if ok {
		t.Errorf("empty remote table created a local table")
	}
}

func TestExporterContinuesAfterFailure(t *testing.T) {
	t.Parallel()

	src := &fakeSource{
		tables: map[string][]Record{
			"a": fakeItems(1, 3),
			"c": fakeItems(2, 4),
		},
		errs: map[string]error{"b": errors.New("connection reset")},
	}

	var out bytes.Buffer
	b := newTestBackup(t)
	e := newExporter(src, b, Config{Tables: []string{"a", "b", "c"}}, &out)

	summary, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if got := strings.Join(src.fetched, ","); got != "a,b,c" {
		t.Errorf("fetched = %s, want a,b,c", got)
	}
	if got := countRows(t, b, "a"); got != 3 {
		t.Errorf("rows in a = %d, want 3", got)
	}
	if got := countRows(t, b, "c"); got != 4 {
		t.Errorf("rows in c = %d, want 4", got)
	}

	failed := summary.Failed()
	if len(failed) != 1 || failed[0].Table != "b" {
		t.Fatalf("Failed() = %+v, want only b", failed)
	}
	if !strings.Contains(out.String(), "Error backing up b: connection reset") {
		t.Errorf("output = %q, want error line for b", out.String())
	}
}

func TestExporterWriteFailureAgainstExistingSchema(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := newTestBackup(t)
	if err := b.EnsureTable(ctx, "items", []Column{{Name: "id", Class: Integer, PrimaryKey: true}}); err != nil {
		t.Fatalf("EnsureTable() error = %v", err)
	}

	src := &fakeSource{tables: map[string][]Record{
		"items": fakeItems(3, 2),
		"users": {NewRecord(Field{"id", "u1"}, Field{"email", "a@example.com"})},
	}}
	e := newExporter(src, b, Config{Tables: []string{"items", "users"}}, nil)

	summary, err := e.Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Results[0].Status != StatusFailed {
		t.Errorf("items status = %s, want failed", summary.Results[0].Status)
	}
	if summary.Results[1].Status != StatusWritten {
		t.Errorf("users status = %s, want written", summary.Results[1].Status)
	}
}

func TestExporterRunTwiceIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "backup.db")
	src := &fakeSource{tables: map[string][]Record{"items": fakeItems(42, 25)}}
	config := Config{Tables: []string{"items"}, Vacuum: true, BatchSize: 10}

	for run := 0; run < 2; run++ {
		b, err := OpenBackup(ctx, path, DriverPureGo)
		if err != nil {
			t.Fatalf("OpenBackup() error = %v", err)
		}
		b.SetBatchSize(config.BatchSize)
		e := newExporter(src, b, config, nil)
		if _, err := e.Run(ctx); err != nil {
			t.Fatalf("Run() #%d error = %v", run, err)
		}
		if got := countRows(t, b, "items"); got != 25 {
			t.Errorf("run %d: rows = %d, want 25", run, got)
		}
		if err := e.Close(); err != nil {
			t.Fatalf("Close() error = %v", err)
		}
	}
	if !src.closed {
		t.Errorf("Close() did not close the source")
	}
}

func TestExporterRunSummary(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	b := newTestBackup(t)
	src := &fakeSource{tables: map[string][]Record{"items": fakeItems(7, 5), "users": nil}}
	e := newExporter(src, b, Config{AllTables: true}, &out)

	summary, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(summary.Results) != 2 {
		t.Fatalf("Results = %+v, want items and users", summary.Results)
	}
	if summary.Results[0].Rows != 5 || summary.Results[1].Status != StatusEmpty {
		t.Errorf("Results = %+v", summary.Results)
	}
	if summary.SizeBytes <= 0 || summary.Path != b.Path() {
		t.Errorf("Summary = %+v, want size of %s", summary, b.Path())
	}

	text := out.String()
	for _, want := range []string{
		"Starting backup to " + b.Path(),
		"Backup complete! Saved to " + b.Path(),
		"Database size: ",
		" KB",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("output missing %q:\n%s", want, text)
		}
	}
}

func TestExporterStopsWhenCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	src := &fakeSource{tables: map[string][]Record{"a": fakeItems(1, 1)}}
	e := newExporter(src, newTestBackup(t), Config{Tables: []string{"a", "b"}}, nil)

	if _, err := e.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if len(src.fetched) != 0 {
		t.Errorf("fetched = %v after cancel, want none", src.fetched)
	}
}

func TestNewExporterValidatesFirst(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	_, err := NewExporter(context.Background(), Config{Tables: DefaultTables, Key: "k", OutputDir: dir}, nil)
	if !errors.Is(err, ErrMissingURL) {
		t.Fatalf("NewExporter() error = %v, want ErrMissingURL", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("output dir has %d entries, want none before validation passes", len(entries))
	}
}
