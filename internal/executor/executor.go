// Package executor runs fully-bound, validated SQL against a read-only
// connection and returns the resulting rows.
package executor

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"time"

	_ "github.com/lib/pq"

	"github.com/costnav/queryengine/internal/engineerr"
)

// Row is one result row, column name to scanned value.
type Row map[string]any

// Runner is the subset of *Executor the pipeline orchestrator depends on,
// satisfied by *Executor and by fakes in its tests.
type Runner interface {
	Execute(ctx context.Context, query string, maxRows int) ([]Row, error)
}

// Executor runs read-only SQL against Postgres.
type Executor struct {
	db      *sql.DB
	timeout time.Duration
}

// Open connects to dsn via lib/pq and bounds the pool the way a read-mostly
// service should: modest max-open and max-idle counts, 30-minute connection
// lifetime.
func Open(dsn string, timeout time.Duration) (*Executor, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, engineerr.New(engineerr.Internal, "executor.Open", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &Executor{db: db, timeout: timeout}, nil
}

// NewWithDB wraps an already-opened *sql.DB (used by tests with sqlmock).
func NewWithDB(db *sql.DB, timeout time.Duration) *Executor {
	return &Executor{db: db, timeout: timeout}
}

func (e *Executor) Close() error { return e.db.Close() }

var limitRe = regexp.MustCompile(`(?i)\blimit\s+\d+\b`)

// Execute runs sql (which must contain no remaining "$n" placeholders) inside
// a read-only transaction, injecting a LIMIT clause if none is present, and
// returns up to maxRows rows.
func (e *Executor) Execute(ctx context.Context, query string, maxRows int) ([]Row, error) {
	if !limitRe.MatchString(query) {
		query = fmt.Sprintf("%s LIMIT %d", query, maxRows)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	tx, err := e.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, engineerr.New(engineerr.ExecutionError, "executor.Execute", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return nil, engineerr.New(engineerr.ExecutionError, "executor.Execute", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, engineerr.New(engineerr.ExecutionError, "executor.Execute", err)
	}

	var out []Row
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, engineerr.New(engineerr.ExecutionError, "executor.Execute", err)
		}
		row := make(Row, len(cols))
		for i, c := range cols {
			if b, ok := values[i].([]byte); ok {
				row[c] = string(b)
			} else {
				row[c] = values[i]
			}
		}
		out = append(out, row)
		if len(out) >= maxRows {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, engineerr.New(engineerr.ExecutionError, "executor.Execute", err)
	}

	return out, tx.Commit()
}
