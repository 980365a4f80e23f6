package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"attestor/internal/models"
)

// GetOrCreateUser returns the user for a device, creating the row on first
// contact. Concurrent first contacts race on the primary key; the loser
// re-reads.
func (s *Postgres) GetOrCreateUser(ctx context.Context, device models.DeviceID) (models.User, error) {
	for range 2 {
		u, err := s.userByDevice(ctx, device)
		if err == nil {
			return u, nil
		}
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO users (device_address) VALUES ($1)
			ON CONFLICT (device_address) DO NOTHING`, device)
		if err != nil {
			return models.User{}, fmt.Errorf("create user: %w", err)
		}
	}
	return s.userByDevice(ctx, device)
}

func (s *Postgres) userByDevice(ctx context.Context, device models.DeviceID) (models.User, error) {
	var (
		u    models.User
		addr sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT device_address, user_address, service_provider, created_at
		FROM users WHERE device_address = $1`, device).
		Scan(&u.Device, &addr, &u.Provider, &u.CreatedAt)
	if err != nil {
		return models.User{}, asSentinel(err)
	}
	u.Address = models.Address(addr.String)
	return u, nil
}

// BindUserAddress records the ledger address a device claims to own.
func (s *Postgres) BindUserAddress(ctx context.Context, device models.DeviceID, addr models.Address) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET user_address = $2 WHERE device_address = $1`, device, addr)
	if err != nil {
		return fmt.Errorf("bind user address: %w", err)
	}
	return requireRow(res)
}

// ClearUserAddress invalidates the binding after a payment arrived from an
// unexpected signer; the user must re-bind.
func (s *Postgres) ClearUserAddress(ctx context.Context, device models.DeviceID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET user_address = NULL WHERE device_address = $1`, device)
	if err != nil {
		return fmt.Errorf("clear user address: %w", err)
	}
	return nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return asSentinel(sql.ErrNoRows)
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
