package database

import (
	"context"
	"fmt"
)

// Source reads whole tables from the remote database.
type Source interface {
	// FetchAll returns every row of table in the order the source sent them.
	FetchAll(ctx context.Context, table string) ([]Record, error)
	// ListTables returns the names of the tables the source exposes.
	ListTables(ctx context.Context) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}

// NewSource opens the source selected by config.Source
func NewSource(ctx context.Context, config Config) (Source, error) {
	switch config.Source {
	case SourceREST, "":
		return NewRESTSource(config)
	case SourcePostgres:
		return NewPostgresSource(ctx, config)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSource, config.Source)
	}
}

var (
	_ Source = (*RESTSource)(nil)
	_ Source = (*PostgresSource)(nil)
)
