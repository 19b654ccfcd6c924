package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/iliyamo/paylink/internal/apperr"
	"github.com/iliyamo/paylink/internal/model"
	"github.com/iliyamo/paylink/internal/utils"
)

// CardSaver is one variant of a card being linked.  Each kind knows which
// procedure stores it; the repository only runs it and decodes the result.
type CardSaver interface {
	Kind() model.CardKind
	NumberHash() string
	save(ctx context.Context, q querier, customerID int64) (ProcResult, error)
}

// BankCard is a bank card confirmed by the gateway and by the holder's OTP.
type BankCard struct {
	Number string // full PAN; hashed and masked before it reaches the store
	Expiry string
	Token  string // gateway card token
	Holder string
	Label  string
}

func (BankCard) Kind() model.CardKind { return model.CardBank }
func (c BankCard) NumberHash() string { return utils.HashCardNumber(c.Number) }

func (c BankCard) save(ctx context.Context, q querier, customerID int64) (ProcResult, error) {
	return callProc(ctx, q, "CALL add_bank_card(?,?,?,?,?,?,?)",
		customerID, utils.MaskPAN(c.Number), c.NumberHash(), c.Token, c.Expiry, c.Holder, c.Label)
}

// TransportCard is a metro/bus card known to the aggregator.
type TransportCard struct {
	Number string
	Label  string
}

func (TransportCard) Kind() model.CardKind { return model.CardTransport }
func (c TransportCard) NumberHash() string { return utils.HashCardNumber(c.Number) }

func (c TransportCard) save(ctx context.Context, q querier, customerID int64) (ProcResult, error) {
	return callProc(ctx, q, "CALL add_transport_card(?,?,?,?,?)",
		customerID, utils.MaskPAN(c.Number), c.NumberHash(), c.Number, c.Label)
}

type CardRepo struct{ DB *sql.DB }

func NewCardRepo(db *sql.DB) *CardRepo { return &CardRepo{DB: db} }

const cardColumns = "id, customer_id, kind, masked, number_hash, reference, expiry, holder, label, created_at"

// Add links a card to the customer.  Rule violations (already linked,
// linked to someone else) come back as apperr conflicts, including when a
// concurrent link wins the unique key.
func (r *CardRepo) Add(ctx context.Context, customerID int64, card CardSaver) (int64, error) {
	res, err := card.save(ctx, r.DB, customerID)
	if isDuplicateKey(err) {
		if cerr := r.CheckLinkable(ctx, customerID, card); cerr != nil {
			return 0, cerr
		}
		return 0, apperr.Newf(apperr.AlreadyExists, "card already linked")
	}
	if err != nil {
		return 0, err
	}
	if err := res.Err(); err != nil {
		return 0, err
	}
	return res.ID, nil
}

// OwnerOf returns the customer holding the card with this fingerprint, or
// 0 when it is not linked.
func (r *CardRepo) OwnerOf(ctx context.Context, kind model.CardKind, numberHash string) (int64, error) {
	var owner int64
	err := r.DB.QueryRowContext(ctx,
		"SELECT customer_id FROM cards WHERE kind=? AND number_hash=? LIMIT 1",
		string(kind), numberHash).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return owner, err
}

// CheckLinkable fails with AlreadyExists if the customer already has the
// card and with BelongsToAnother if someone else does.
func (r *CardRepo) CheckLinkable(ctx context.Context, customerID int64, card CardSaver) error {
	owner, err := r.OwnerOf(ctx, card.Kind(), card.NumberHash())
	switch {
	case err != nil:
		return err
	case owner == 0:
		return nil
	case owner == customerID:
		return apperr.Newf(apperr.AlreadyExists, "card already linked")
	default:
		return apperr.Newf(apperr.BelongsToAnother, "card linked to another account")
	}
}

// GetOwned returns a card only if it belongs to customerID.
func (r *CardRepo) GetOwned(ctx context.Context, customerID, cardID int64) (*model.Card, error) {
	row := r.DB.QueryRowContext(ctx,
		"SELECT "+cardColumns+" FROM cards WHERE id=? AND customer_id=? LIMIT 1", cardID, customerID)
	c, err := scanCard(row)
	if err != nil {
		return nil, notFound(err, "card")
	}
	return c, nil
}

// ListByCustomer returns the customer's cards of one kind, oldest first.
func (r *CardRepo) ListByCustomer(ctx context.Context, customerID int64, kind model.CardKind) ([]model.Card, error) {
	rows, err := r.DB.QueryContext(ctx,
		"SELECT "+cardColumns+" FROM cards WHERE customer_id=? AND kind=? ORDER BY id",
		customerID, string(kind))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Card
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// Delete unlinks a card owned by customerID.
func (r *CardRepo) Delete(ctx context.Context, customerID, cardID int64) error {
	res, err := r.DB.ExecContext(ctx, "DELETE FROM cards WHERE id=? AND customer_id=?", cardID, customerID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.Newf(apperr.NotFound, "card not found")
	}
	return nil
}

type scanner interface{ Scan(dest ...any) error }

func scanCard(s scanner) (*model.Card, error) {
	var (
		c                     model.Card
		kind                  string
		expiry, holder, label sql.NullString
	)
	if err := s.Scan(&c.ID, &c.CustomerID, &kind, &c.Masked, &c.NumberHash, &c.Reference,
		&expiry, &holder, &label, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.Kind = model.CardKind(kind)
	c.Expiry, c.Holder, c.Label = expiry.String, holder.String, label.String
	return &c, nil
}
