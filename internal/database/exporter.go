package database

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/gosuri/uiprogress"
)

// Exporter copies remote tables into a backup file, one table at a time.
type Exporter struct {
	source   Source
	backup   *Backup
	tables   []string
	all      bool
	out      io.Writer
	progress bool
	vacuum   bool
}

// NewExporter validates config, connects to the source and opens the backup
// file. Nothing is contacted when config is invalid.
func NewExporter(ctx context.Context, config Config, out io.Writer) (*Exporter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	source, err := NewSource(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to source: %w", err)
	}

	backup, err := OpenBackup(ctx, BackupPath(config, time.Now()), config.SQLiteDriver)
	if err != nil {
		source.Close()
		return nil, err
	}
	backup.SetBatchSize(config.BatchSize)

	return newExporter(source, backup, config, out), nil
}

func newExporter(source Source, backup *Backup, config Config, out io.Writer) *Exporter {
	if out == nil {
		out = io.Discard
	}
	return &Exporter{
		source:   source,
		backup:   backup,
		tables:   config.Tables,
		all:      config.AllTables,
		out:      out,
		progress: config.Progress,
		vacuum:   config.Vacuum,
	}
}

// Close closes the backup file and the source
func (e *Exporter) Close() error {
	return errors.Join(e.backup.Close(), e.source.Close())
}

// Run exports every configured table. Per-table failures are reported in the
// summary and do not stop the run; only failing to list tables, a cancelled
// context or an unreadable backup file end it early.
func (e *Exporter) Run(ctx context.Context) (*Summary, error) {
	fmt.Fprintf(e.out, "Starting backup to %s...\n", e.backup.Path())

	tables := e.tables
	if e.all {
		var err error
		tables, err = e.source.ListTables(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list tables: %w", err)
		}
	}

	summary := &Summary{Path: e.backup.Path()}
	for _, table := range tables {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		summary.Results = append(summary.Results, e.ExportTable(ctx, table))
	}

	if e.vacuum {
		if err := e.backup.Vacuum(ctx); err != nil {
			log.Printf("Warning: %v", err)
		}
	}

	size, err := e.backup.Size()
	if err != nil {
		return summary, fmt.Errorf("failed to stat backup: %w", err)
	}
	summary.SizeBytes = size

	fmt.Fprintf(e.out, "\nBackup complete! Saved to %s\n", summary.Path)
	fmt.Fprintf(e.out, "Database size: %.2f KB\n", summary.SizeKB())
	return summary, nil
}

// ExportTable fetches table, creates its local copy from the first row and
// upserts every row. An empty table leaves the backup untouched.
func (e *Exporter) ExportTable(ctx context.Context, table string) TableResult {
	records, err := e.source.FetchAll(ctx, table)
	if err != nil {
		return e.failed(table, 0, err)
	}

	if len(records) == 0 {
		fmt.Fprintf(e.out, "Backing up %s... (empty)\n", table)
		return TableResult{Table: table, Status: StatusEmpty}
	}

	cols := InferSchema(records[0])
	if err := e.backup.EnsureTable(ctx, table, cols); err != nil {
		return e.failed(table, 0, err)
	}

	if extra := extraColumns(cols, records); len(extra) > 0 {
		log.Printf("%s: ignoring columns missing from the first row: %s", table, strings.Join(extra, ", "))
	}

	onRow, stop := e.startProgress(table, len(records))
	n, err := e.backup.WriteRecords(ctx, table, cols, records, onRow)
	stop()
	if err != nil {
		return e.failed(table, n, err)
	}

	fmt.Fprintf(e.out, "Backing up %s... (%d records)\n", table, n)
	return TableResult{Table: table, Status: StatusWritten, Rows: n}
}

func (e *Exporter) failed(table string, rows int, err error) TableResult {
	fmt.Fprintf(e.out, "Backing up %s... Error backing up %s: %v\n", table, table, err)
	return TableResult{Table: table, Status: StatusFailed, Rows: rows, Err: err}
}

func (e *Exporter) startProgress(table string, total int) (func(), func()) {
	if !e.progress {
		return nil, func() {}
	}

	p := uiprogress.New()
	p.SetOut(e.out)
	bar := p.AddBar(total).AppendCompleted().PrependElapsed()
	bar.PrependFunc(func(b *uiprogress.Bar) string {
		return table + ": "
	})
	p.Start()

	return func() { bar.Incr() }, p.Stop
}

// extraColumns lists, in order of appearance, names found in records but not
// in cols.
func extraColumns(cols []Column, records []Record) []string {
	known := make(map[string]bool, len(cols))
	for _, c := range cols {
		known[c.Name] = true
	}

	var extra []string
	for _, rec := range records {
		for _, name := range rec.Columns {
			if !known[name] {
				known[name] = true
				extra = append(extra, name)
			}
		}
	}
	return extra
}
