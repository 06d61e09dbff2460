package database

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Source kinds accepted by Config.Source
const (
	SourceREST     = "rest"
	SourcePostgres = "postgres"
)

// DefaultTables is the table list backed up when none is configured.
var DefaultTables = []string{
	"users",
	"locations",
	"categories",
	"items",
	"item_logs",
	"checkout_logs",
	"audit_logs",
}

var (
	ErrMissingURL        = errors.New("missing remote URL (set --url or SUPABASE_URL)")
	ErrMissingKey        = errors.New("missing service role key (set --key or SUPABASE_SERVICE_ROLE_KEY)")
	ErrMissingConnection = errors.New("missing PostgreSQL connection (set --pg or --host/--db/--user)")
	ErrUnknownSource     = errors.New("unknown source")
	ErrNoTables          = errors.New("no tables to back up")
)

// Config holds all configuration for a backup run
type Config struct {
	Source string

	// PostgREST endpoint and service role key
	URL string
	Key string

	// Direct PostgreSQL access
	ConnectionString string
	Host             string
	Port             int
	Database         string
	User             string
	Password         string
	SSHKey           string
	SSHUser          string
	SSHHost          string
	SSHPort          int
	SSHKnownHosts    string

	Tables    []string
	AllTables bool

	OutputDir    string
	OutputFile   string
	SQLiteDriver string

	PageSize  int
	OrderBy   string
	BatchSize int
	Timeout   time.Duration

	Progress bool
	Vacuum   bool
	Verbose  bool
}

// Validate checks that everything needed to contact the source is present.
// It does not touch the network.
func (c Config) Validate() error {
	switch c.Source {
	case SourceREST, "":
		if strings.TrimSpace(c.URL) == "" {
			return ErrMissingURL
		}
		if strings.TrimSpace(c.Key) == "" {
			return ErrMissingKey
		}
	case SourcePostgres:
		if c.ConnectionString == "" && (c.Host == "" || c.Database == "" || c.User == "") {
			return ErrMissingConnection
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownSource, c.Source)
	}

	if !c.AllTables && len(c.Tables) == 0 {
		return ErrNoTables
	}
	return nil
}

// Column is one inferred column of a local table
type Column struct {
	Name       string
	Class      StorageClass
	PrimaryKey bool
}

// TableStatus is the outcome of exporting one table
type TableStatus string

const (
	StatusEmpty   TableStatus = "empty"
	StatusWritten TableStatus = "written"
	StatusFailed  TableStatus = "failed"
)

// TableResult reports what happened to a single table
type TableResult struct {
	Table  string
	Status TableStatus
	Rows   int
	Err    error
}

// Summary describes a finished run
type Summary struct {
	Path      string
	SizeBytes int64
	Results   []TableResult
}

// SizeKB returns the backup file size in kilobytes
func (s Summary) SizeKB() float64 {
	return float64(s.SizeBytes) / 1024
}

// Failed returns the results of tables that could not be backed up
func (s Summary) Failed() []TableResult {
	var failed []TableResult
	for _, r := range s.Results {
		if r.Status == StatusFailed {
			failed = append(failed, r)
		}
	}
	return failed
}
