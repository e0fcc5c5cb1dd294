package telemetry

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"

	"github.com/XSAM/otelsql"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

func OpenDB(driverName, dsn string) (*sql.DB, error) {
	return otelsql.Open(driverName, dsn,
		otelsql.WithAttributes(semconv.DBSystemPostgreSQL),
	)
}

// OpenPostgres opens a traced pool whose every connection resolves unqualified
// table names in schema, and verifies it with a ping.
func OpenPostgres(ctx context.Context, dsn, schema string) (*sql.DB, error) {
	scoped, err := WithSearchPath(dsn, schema)
	if err != nil {
		return nil, err
	}

	db, err := OpenDB("postgres", scoped)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	return db, nil
}

// WithSearchPath sets search_path as a connection parameter on a URL or
// key=value DSN. lib/pq forwards unknown parameters to the server at startup.
func WithSearchPath(dsn, schema string) (string, error) {
	if schema == "" {
		return dsn, nil
	}
	if !strings.HasPrefix(dsn, "postgres://") && !strings.HasPrefix(dsn, "postgresql://") {
		return dsn + " search_path=" + schema, nil
	}

	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("parse database url: %w", err)
	}
	q := u.Query()
	q.Set("search_path", schema)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
