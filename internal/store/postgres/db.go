// Package postgres implements store.Repository on PostgreSQL with sqlx.
// Immutability of insert-only tables is enforced by triggers installed by
// the migrations; their rejections surface as domain.ErrImmutable.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/dvloznov/deal-confidence/internal/domain"
)

// Options sizes the connection pool.
type Options struct {
	MaxOpenConns int
	MaxIdleConns int
	MaxIdleTime  time.Duration
}

// Open connects to addr and verifies the connection.
func Open(ctx context.Context, addr string, opts Options) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", addr)
	if err != nil {
		return nil, fmt.Errorf("postgres.Open: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres.Open: ping: %w", err)
	}

	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.MaxIdleTime > 0 {
		db.SetConnMaxIdleTime(opts.MaxIdleTime)
	}
	return db, nil
}

// Postgres error codes the store translates.
const (
	codeRaiseException   = "P0001"
	codeUniqueViolation  = "23505"
	codeForeignKey       = "23503"
	codeCheckViolation   = "23514"
	codeInvalidTextRep   = "22P02"
	codeInvalidDatetime  = "22007"
	codeDatetimeOverflow = "22008"
)

// mapErr wraps err for op, translating driver errors into domain errors.
func mapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, domain.ErrNotFound)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case codeRaiseException:
			return fmt.Errorf("%s: %s: %w", op, pqErr.Message, domain.ErrImmutable)
		case codeUniqueViolation, codeCheckViolation, codeInvalidTextRep, codeInvalidDatetime, codeDatetimeOverflow:
			return fmt.Errorf("%s: %s: %w", op, pqErr.Message, domain.ErrInvalidInput)
		case codeForeignKey:
			return fmt.Errorf("%s: %s: %w", op, pqErr.Message, domain.ErrNotFound)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
