package repository

import (
	"context"
	"database/sql"

	"github.com/iliyamo/paylink/internal/model"
)

// TransactionRepo records the outcome of orchestrated payments.
type TransactionRepo struct{ DB *sql.DB }

func NewTransactionRepo(db *sql.DB) *TransactionRepo { return &TransactionRepo{DB: db} }

// Create stores tx through the create_transaction procedure, which rejects a
// second completed row for the same (customer, idempotency key) with
// DUPLICATE_TRANSACTION.  A concurrent insert that trips the unique key is
// reported the same way.  On success tx.ID is set.
func (r *TransactionRepo) Create(ctx context.Context, tx *model.Transaction) error {
	return createTransaction(ctx, r.DB, tx)
}

func createTransaction(ctx context.Context, q querier, tx *model.Transaction) error {
	res, err := callProc(ctx, q, "CALL create_transaction(?,?,?,?,?,?,?,?,?)",
		tx.CustomerID, tx.CardID, tx.Kind, tx.Amount, tx.ExternalRef, tx.GatewayRef,
		tx.Destination, tx.IdempotencyKey, tx.Status)
	if isDuplicateKey(err) {
		res = ProcResult{Code: CodeDuplicateTransaction, Message: "transaction already recorded"}
	} else if err != nil {
		return err
	}
	if err := res.Err(); err != nil {
		return err
	}
	tx.ID = res.ID
	return nil
}

// ExistsByKey reports whether a completed transaction with this idempotency
// key already exists for the customer.
func (r *TransactionRepo) ExistsByKey(ctx context.Context, customerID int64, key string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM transactions WHERE customer_id=? AND idempotency_key=? AND status=?",
		customerID, key, model.TxCompleted).Scan(&n)
	return n > 0, err
}

// ListByCustomer returns the newest transactions first.
func (r *TransactionRepo) ListByCustomer(ctx context.Context, customerID int64, limit int) ([]model.Transaction, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id, customer_id, card_id, kind, amount, external_ref, gateway_ref,
		        destination, idempotency_key, status, created_at
		   FROM transactions WHERE customer_id=? ORDER BY id DESC LIMIT ?`,
		customerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Transaction
	for rows.Next() {
		var t model.Transaction
		if err := rows.Scan(&t.ID, &t.CustomerID, &t.CardID, &t.Kind, &t.Amount, &t.ExternalRef,
			&t.GatewayRef, &t.Destination, &t.IdempotencyKey, &t.Status, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
