package repository

import (
	"context"
	"database/sql"
	"strings"

	"github.com/iliyamo/paylink/internal/apperr"
	"github.com/iliyamo/paylink/internal/model"
)

type MerchantRepo struct{ DB *sql.DB }

func NewMerchantRepo(db *sql.DB) *MerchantRepo { return &MerchantRepo{DB: db} }

const merchantColumns = "id, email, name, password_hash, email_verified, gateway_account, created_at"

func scanMerchant(row *sql.Row) (*model.Merchant, error) {
	var m model.Merchant
	if err := row.Scan(&m.ID, &m.Email, &m.Name, &m.PasswordHash, &m.EmailVerified, &m.GatewayAccount, &m.CreatedAt); err != nil {
		return nil, notFound(err, "merchant")
	}
	return &m, nil
}

// Create inserts a merchant with an unverified e-mail.
func (r *MerchantRepo) Create(ctx context.Context, email, name, passwordHash, gatewayAccount string) (int64, error) {
	res, err := r.DB.ExecContext(ctx,
		"INSERT INTO merchants (email, name, password_hash, email_verified, gateway_account) VALUES (?,?,?,?,?)",
		normalizeEmail(email), strings.TrimSpace(name), passwordHash, false, gatewayAccount)
	if err != nil {
		if isDuplicateKey(err) {
			return 0, apperr.Newf(apperr.AlreadyExists, "email already registered")
		}
		return 0, err
	}
	return res.LastInsertId()
}

// GetByEmail fetches a merchant by normalized e-mail.
func (r *MerchantRepo) GetByEmail(ctx context.Context, email string) (*model.Merchant, error) {
	return scanMerchant(r.DB.QueryRowContext(ctx,
		"SELECT "+merchantColumns+" FROM merchants WHERE email=? LIMIT 1", normalizeEmail(email)))
}

// GetByID fetches a merchant by id.
func (r *MerchantRepo) GetByID(ctx context.Context, id int64) (*model.Merchant, error) {
	return scanMerchant(r.DB.QueryRowContext(ctx,
		"SELECT "+merchantColumns+" FROM merchants WHERE id=? LIMIT 1", id))
}

// MarkEmailVerified flags the merchant's e-mail as confirmed.
func (r *MerchantRepo) MarkEmailVerified(ctx context.Context, id int64) error {
	_, err := r.DB.ExecContext(ctx, "UPDATE merchants SET email_verified=? WHERE id=?", true, id)
	return err
}

func normalizeEmail(email string) string { return strings.ToLower(strings.TrimSpace(email)) }
