package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

func (s *Store) retry(ctx context.Context, fn func(context.Context) error) error {
	delay := s.retryDelay
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if err := fn(ctx); err != nil {
			if !IsTransient(err) || attempt == s.maxRetries {
				return err
			}
			select {
			case <-time.After(delay):
				delay *= 2
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		return nil
	}
	return nil
}

// IsTransient reports whether err is worth retrying: serialization
// failures, deadlocks and connection errors.
func IsTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01": // deadlock_detected
			return true
		}
	}

	var connectErr *pgconn.ConnectError
	return errors.As(err, &connectErr)
}
