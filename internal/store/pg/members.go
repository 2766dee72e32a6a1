package pg

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/nextlevelbuilder/telefwd/internal/model"
)

// MemberStore implements store.MemberStore backed by Postgres.
type MemberStore struct {
	db *sql.DB
}

func NewMemberStore(db *sql.DB) *MemberStore {
	return &MemberStore{db: db}
}

// ReplaceMembers atomically swaps channelID's roster inside one transaction,
// so readers never observe a partially-replaced member list (spec §4.8).
func (s *MemberStore) ReplaceMembers(ctx context.Context, channelID string, members []model.User) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM members WHERE channel_id = $1`, channelID); err != nil {
		return fmt.Errorf("clear members: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO members (channel_id, user_id, first_name, last_name, username, phone, is_bot)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (channel_id, user_id) DO NOTHING`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, m := range members {
		if _, err := stmt.ExecContext(ctx, channelID, m.UserID, m.FirstName, m.LastName, m.Username, m.Phone, m.IsBot); err != nil {
			return fmt.Errorf("insert member %s: %w", m.UserID, err)
		}
	}

	return tx.Commit()
}

func (s *MemberStore) ListMembers(ctx context.Context, channelID string) ([]model.User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, first_name, last_name, username, phone, is_bot
		FROM members WHERE channel_id = $1`, channelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.User
	for rows.Next() {
		var u model.User
		if err := rows.Scan(&u.UserID, &u.FirstName, &u.LastName, &u.Username, &u.Phone, &u.IsBot); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *MemberStore) IsOperator(ctx context.Context, userID string) (bool, error) {
	var isActive bool
	err := s.db.QueryRowContext(ctx,
		`SELECT is_active FROM operators WHERE user_id = $1`, userID,
	).Scan(&isActive)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return isActive, nil
}

func (s *MemberStore) ListOperators(ctx context.Context) ([]model.Operator, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id, role, is_active FROM operators ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Operator
	for rows.Next() {
		var op model.Operator
		if err := rows.Scan(&op.UserID, &op.Role, &op.IsActive); err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, rows.Err()
}
