package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/foxzi/cafenote/internal/models"
)

type MemberRepository struct {
	db *sql.DB
}

func NewMemberRepository(db *sql.DB) *MemberRepository {
	return &MemberRepository{db: db}
}

const memberColumns = `id, cafe_id, nickname, member_key, write_date, sent, created_at`

func scanMember(row interface{ Scan(...any) error }) (*models.Member, error) {
	m := &models.Member{}
	var writeDate sql.NullTime
	if err := row.Scan(&m.ID, &m.CafeID, &m.Nickname, &m.MemberKey, &writeDate, &m.Sent, &m.CreatedAt); err != nil {
		return nil, err
	}
	if writeDate.Valid {
		m.WriteDate = writeDate.Time
	}
	return m, nil
}

// Create inserts a member. A known member key returns ErrDuplicate.
func (r *MemberRepository) Create(ctx context.Context, m *models.Member) error {
	if m.MemberKey == "" {
		return fmt.Errorf("member key is required")
	}

	m.ID = uuid.New().String()
	m.CreatedAt = time.Now()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO members (id, cafe_id, nickname, member_key, write_date, sent, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.CafeID, m.Nickname, m.MemberKey, m.WriteDate, m.Sent, m.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("member %s: %w", m.MemberKey, ErrDuplicate)
		}
		return fmt.Errorf("failed to create member: %w", err)
	}
	return nil
}

// FindByKey returns the member with key, or nil when unknown
func (r *MemberRepository) FindByKey(ctx context.Context, key string) (*models.Member, error) {
	m, err := scanMember(r.db.QueryRowContext(ctx, `SELECT `+memberColumns+` FROM members WHERE member_key = ?`, key))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find member: %w", err)
	}
	return m, nil
}

// List returns members matching the filter, newest first
func (r *MemberRepository) List(ctx context.Context, filter models.MemberFilter) ([]*models.Member, error) {
	query := `SELECT ` + memberColumns + ` FROM members WHERE 1=1`
	args := []any{}

	if filter.CafeID != "" {
		query += " AND cafe_id = ?"
		args = append(args, filter.CafeID)
	}
	if filter.Search != "" {
		query += " AND (nickname LIKE ? OR member_key LIKE ?)"
		args = append(args, "%"+filter.Search+"%", "%"+filter.Search+"%")
	}

	query += " ORDER BY created_at DESC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		if filter.Limit <= 0 {
			query += " LIMIT -1"
		}
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	defer rows.Close()

	var members []*models.Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// ListAll returns every member
func (r *MemberRepository) ListAll(ctx context.Context) ([]*models.Member, error) {
	return r.List(ctx, models.MemberFilter{})
}

// KnownKeys returns the set of persisted member keys
func (r *MemberRepository) KnownKeys(ctx context.Context) (map[string]struct{}, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT member_key FROM members`)
	if err != nil {
		return nil, fmt.Errorf("failed to list member keys: %w", err)
	}
	defer rows.Close()

	keys := make(map[string]struct{})
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("failed to scan member key: %w", err)
		}
		keys[k] = struct{}{}
	}
	return keys, rows.Err()
}

// SetSent updates the sent flag of a known member
func (r *MemberRepository) SetSent(ctx context.Context, key string, sent bool) error {
	res, err := r.db.ExecContext(ctx, "UPDATE members SET sent = ? WHERE member_key = ?", sent, key)
	if err != nil {
		return fmt.Errorf("failed to update member: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("member %s: %w", key, ErrNotFound)
	}
	return nil
}

// Remember stores recipients a user confirmed or excluded so discovery skips
// them. Keys already stored are kept; a sent flag on the input is carried over
// to them. It returns how many members were new.
func (r *MemberRepository) Remember(ctx context.Context, members []*models.Member) (int, error) {
	created := 0
	for _, m := range members {
		err := r.Create(ctx, m)
		switch {
		case err == nil:
			created++
		case errors.Is(err, ErrDuplicate):
			if m.Sent {
				if err := r.SetSent(ctx, m.MemberKey, true); err != nil {
					return created, err
				}
			}
		default:
			return created, err
		}
	}
	return created, nil
}

// Delete removes a member by key
func (r *MemberRepository) Delete(ctx context.Context, key string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM members WHERE member_key = ?", key)
	return err
}
