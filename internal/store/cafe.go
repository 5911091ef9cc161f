package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/foxzi/cafenote/internal/models"
	"github.com/foxzi/cafenote/internal/provider"
)

type CafeRepository struct {
	db *sql.DB
}

func NewCafeRepository(db *sql.DB) *CafeRepository {
	return &CafeRepository{db: db}
}

const cafeColumns = `id, name, url, provider, is_active, created_at, updated_at`

func scanCafe(row interface{ Scan(...any) error }) (*models.Cafe, error) {
	c := &models.Cafe{}
	var p string
	if err := row.Scan(&c.ID, &c.Name, &c.URL, &p, &c.IsActive, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.Provider = provider.Provider(p)
	return c, nil
}

// Create inserts a cafe. The provider is detected from the URL when unset.
func (r *CafeRepository) Create(ctx context.Context, c *models.Cafe) error {
	if c.URL == "" {
		return fmt.Errorf("cafe url is required")
	}
	if c.Provider == "" {
		c.Provider = provider.Detect(c.URL)
	}
	if c.Name == "" {
		c.Name = c.URL
	}

	c.ID = uuid.New().String()
	c.CreatedAt = time.Now()
	c.UpdatedAt = c.CreatedAt

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO cafes (id, name, url, provider, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.URL, string(c.Provider), c.IsActive, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("cafe %s: %w", c.URL, ErrDuplicate)
		}
		return fmt.Errorf("failed to create cafe: %w", err)
	}
	return nil
}

// Get returns a cafe by ID
func (r *CafeRepository) Get(ctx context.Context, id string) (*models.Cafe, error) {
	c, err := scanCafe(r.db.QueryRowContext(ctx, `SELECT `+cafeColumns+` FROM cafes WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("cafe %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cafe: %w", err)
	}
	return c, nil
}

// List returns cafes, optionally only the active ones of a provider
func (r *CafeRepository) List(ctx context.Context, p provider.Provider, activeOnly bool) ([]*models.Cafe, error) {
	query := `SELECT ` + cafeColumns + ` FROM cafes WHERE 1=1`
	args := []any{}
	if p != "" {
		query += " AND provider = ?"
		args = append(args, string(p))
	}
	if activeOnly {
		query += " AND is_active = 1"
	}
	query += " ORDER BY created_at, id"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list cafes: %w", err)
	}
	defer rows.Close()

	var cafes []*models.Cafe
	for rows.Next() {
		c, err := scanCafe(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cafe: %w", err)
		}
		cafes = append(cafes, c)
	}
	return cafes, rows.Err()
}

// SetActive toggles whether the crawler visits a cafe
func (r *CafeRepository) SetActive(ctx context.Context, id string, active bool) error {
	res, err := r.db.ExecContext(ctx, `UPDATE cafes SET is_active = ?, updated_at = ? WHERE id = ?`, active, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update cafe: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("cafe %s: %w", id, ErrNotFound)
	}
	return nil
}

// Delete removes a cafe
func (r *CafeRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM cafes WHERE id = ?", id)
	return err
}
