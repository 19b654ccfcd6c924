package repository

import (
	"context"
	"database/sql"
	"strings"

	"github.com/iliyamo/paylink/internal/apperr"
	"github.com/iliyamo/paylink/internal/model"
)

type CustomerRepo struct{ DB *sql.DB }

func NewCustomerRepo(db *sql.DB) *CustomerRepo { return &CustomerRepo{DB: db} }

// Create inserts a customer and returns its ID.  A taken phone number is
// reported as apperr.AlreadyExists.
func (r *CustomerRepo) Create(ctx context.Context, phone, name, passwordHash string) (int64, error) {
	res, err := r.DB.ExecContext(ctx,
		"INSERT INTO customers (phone, name, password_hash) VALUES (?,?,?)",
		strings.TrimSpace(phone), strings.TrimSpace(name), passwordHash)
	if err != nil {
		if isDuplicateKey(err) {
			return 0, apperr.Newf(apperr.AlreadyExists, "phone already registered")
		}
		return 0, err
	}
	return res.LastInsertId()
}

// GetByPhone fetches a customer by phone.
func (r *CustomerRepo) GetByPhone(ctx context.Context, phone string) (*model.Customer, error) {
	var c model.Customer
	err := r.DB.QueryRowContext(ctx,
		"SELECT id, phone, name, password_hash, created_at FROM customers WHERE phone=? LIMIT 1",
		strings.TrimSpace(phone)).Scan(&c.ID, &c.Phone, &c.Name, &c.PasswordHash, &c.CreatedAt)
	if err != nil {
		return nil, notFound(err, "customer")
	}
	return &c, nil
}
