package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrPrefixNotRegistered is returned by AllocateID when the prefix has not
// been registered via RegisterPrefix.
var ErrPrefixNotRegistered = errors.New("store: prefix not registered")

// RegisterPrefix idempotently ensures prefix has an id sequence row.
func (s *Store) RegisterPrefix(ctx context.Context, prefix string) error {
	return s.Transaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO id_sequences (prefix, next_value) VALUES (?, 1)
			 ON CONFLICT(prefix) DO NOTHING`, prefix)
		return err
	})
}

// AllocateID atomically increments prefix's sequence and returns the
// formatted id "PREFIX-NNN" for the value consumed (zero-padded to three
// digits; grows naturally beyond 999). Fails with ErrPrefixNotRegistered if
// the prefix was never registered.
func (s *Store) AllocateID(ctx context.Context, prefix string) (string, error) {
	var n int
	err := s.Transaction(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT next_value FROM id_sequences WHERE prefix = ?`, prefix)
		if err := row.Scan(&n); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrPrefixNotRegistered
			}
			return err
		}
		res, err := tx.ExecContext(ctx, `UPDATE id_sequences SET next_value = next_value + 1 WHERE prefix = ?`, prefix)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return ErrPrefixNotRegistered
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%03d", prefix, n), nil
}
