package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/foxzi/cafenote/internal/models"
	"github.com/foxzi/cafenote/internal/provider"
)

type AccountRepository struct {
	db *sql.DB
}

func NewAccountRepository(db *sql.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

const accountColumns = `id, provider, name, login_id, encrypted_secret, is_active, daily_sent_count, COALESCE(sent_count_date, ''), created_at, updated_at`

func scanAccount(row interface{ Scan(...any) error }) (*models.Account, error) {
	a := &models.Account{}
	var p string
	err := row.Scan(&a.ID, &p, &a.Name, &a.LoginID, &a.EncryptedSecret, &a.IsActive,
		&a.DailySentCount, &a.SentCountDate, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.Provider = provider.Provider(p)
	return a, nil
}

// ValidateAccount checks provider-specific login id rules
func ValidateAccount(a *models.Account) error {
	if !a.Provider.Valid() {
		return fmt.Errorf("%w: %q", provider.ErrUnknownProvider, a.Provider)
	}
	if strings.TrimSpace(a.LoginID) == "" {
		return fmt.Errorf("login id is required")
	}
	if a.Provider == provider.Daum && !strings.Contains(a.LoginID, "@") {
		return fmt.Errorf("daum login id must be an email address")
	}
	return nil
}

// Create inserts a new account
func (r *AccountRepository) Create(ctx context.Context, a *models.Account) error {
	if err := ValidateAccount(a); err != nil {
		return err
	}
	if a.Name == "" {
		a.Name = a.LoginID
	}

	a.ID = uuid.New().String()
	a.CreatedAt = time.Now()
	a.UpdatedAt = a.CreatedAt

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO accounts (id, provider, name, login_id, encrypted_secret, is_active, daily_sent_count, sent_count_date, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?)`,
		a.ID, string(a.Provider), a.Name, a.LoginID, a.EncryptedSecret, a.IsActive,
		a.DailySentCount, a.SentCountDate, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("account %s/%s: %w", a.Provider, a.LoginID, ErrDuplicate)
		}
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

// Get returns an account by ID
func (r *AccountRepository) Get(ctx context.Context, id string) (*models.Account, error) {
	a, err := scanAccount(r.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return a, nil
}

// FindByLogin returns an account by provider and login id
func (r *AccountRepository) FindByLogin(ctx context.Context, p provider.Provider, loginID string) (*models.Account, error) {
	a, err := scanAccount(r.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE provider = ? AND login_id = ?`, string(p), loginID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("account %s/%s: %w", p, loginID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return a, nil
}

// List returns all accounts
func (r *AccountRepository) List(ctx context.Context) ([]*models.Account, error) {
	return r.query(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY created_at, id`)
}

// ListByProvider returns the accounts of one provider in creation order
func (r *AccountRepository) ListByProvider(ctx context.Context, p provider.Provider) ([]*models.Account, error) {
	return r.query(ctx, `SELECT `+accountColumns+` FROM accounts WHERE provider = ? ORDER BY created_at, id`, string(p))
}

func (r *AccountRepository) query(ctx context.Context, q string, args ...any) ([]*models.Account, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*models.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// GetActive returns the active account, or nil when none is active
func (r *AccountRepository) GetActive(ctx context.Context) (*models.Account, error) {
	a, err := scanAccount(r.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE is_active = 1 LIMIT 1`))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active account: %w", err)
	}
	return a, nil
}

// SetActive makes id the single active account
func (r *AccountRepository) SetActive(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	if _, err := tx.ExecContext(ctx, `UPDATE accounts SET is_active = 0, updated_at = ? WHERE is_active = 1`, now); err != nil {
		return fmt.Errorf("failed to deactivate accounts: %w", err)
	}

	res, err := tx.ExecContext(ctx, `UPDATE accounts SET is_active = 1, updated_at = ? WHERE id = ?`, now, id)
	if err != nil {
		return fmt.Errorf("failed to activate account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("account %s: %w", id, ErrNotFound)
	}

	return tx.Commit()
}

// SetDailyCount stores the authoritative daily counter for today
func (r *AccountRepository) SetDailyCount(ctx context.Context, id string, count int, today string) error {
	if count < 0 {
		count = 0
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE accounts SET daily_sent_count = ?, sent_count_date = ?, updated_at = ?
		WHERE id = ?`,
		count, today, time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to set daily count: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	return nil
}

// ResetStaleCounters zeroes every counter whose date is not today
func (r *AccountRepository) ResetStaleCounters(ctx context.Context, today string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE accounts SET daily_sent_count = 0, sent_count_date = ?, updated_at = ?
		WHERE sent_count_date IS NULL OR sent_count_date != ?`,
		today, time.Now(), today,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to reset counters: %w", err)
	}
	return res.RowsAffected()
}

// Update updates name, login id and secret
func (r *AccountRepository) Update(ctx context.Context, a *models.Account) error {
	if err := ValidateAccount(a); err != nil {
		return err
	}
	a.UpdatedAt = time.Now()
	_, err := r.db.ExecContext(ctx, `
		UPDATE accounts SET name = ?, login_id = ?, encrypted_secret = ?, updated_at = ?
		WHERE id = ?`,
		a.Name, a.LoginID, a.EncryptedSecret, a.UpdatedAt, a.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("account %s/%s: %w", a.Provider, a.LoginID, ErrDuplicate)
		}
		return fmt.Errorf("failed to update account: %w", err)
	}
	return nil
}

// Delete removes an account
func (r *AccountRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM accounts WHERE id = ?", id)
	return err
}
