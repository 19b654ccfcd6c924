// Package repository is the relational store adapter.  Writes that enforce
// business rules (linking a card, recording a transaction) go through
// stored procedures which always succeed at the transport level and report
// rule violations in an `error_code` column of their single result row.
// ProcResult keeps that outcome separate from transport errors.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"

	"github.com/iliyamo/paylink/internal/apperr"
)

// Business codes returned by the stored procedures.
const (
	CodeCardExists           = "CARD_EXISTS"
	CodeCardBelongsToAnother = "CARD_BELONGS_TO_ANOTHER"
	CodeDuplicateTransaction = "DUPLICATE_TRANSACTION"
	CodeEmailExists          = "EMAIL_EXISTS"
	CodePhoneExists          = "PHONE_EXISTS"
	CodeCardNotFound         = "CARD_NOT_FOUND"
)

var codeKinds = map[string]apperr.Kind{
	CodeCardExists:           apperr.AlreadyExists,
	CodeCardBelongsToAnother: apperr.BelongsToAnother,
	CodeDuplicateTransaction: apperr.AlreadyExists,
	CodeEmailExists:          apperr.AlreadyExists,
	CodePhoneExists:          apperr.AlreadyExists,
	CodeCardNotFound:         apperr.NotFound,
}

// ProcResult is the outcome of a stored procedure: either ok with the id of
// the affected row, or a business error with its code and message.
type ProcResult struct {
	Code    string
	Message string
	ID      int64
}

// OK reports whether the procedure applied its change.
func (r ProcResult) OK() bool { return r.Code == "" }

// Err converts a business error into an *apperr.Error; nil when OK.
func (r ProcResult) Err() error {
	if r.OK() {
		return nil
	}
	kind, ok := codeKinds[r.Code]
	if !ok {
		return apperr.Newf(apperr.Internal, "procedure error %s: %s", r.Code, r.Message)
	}
	return apperr.Newf(kind, "%s", r.Message)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// callProc runs a procedure (or any query shaped like one) and decodes its
// first row.  Remaining result sets are drained so the connection can be
// reused.
func callProc(ctx context.Context, q querier, query string, args ...any) (ProcResult, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return ProcResult{}, err
	}
	defer rows.Close()

	res, err := scanProcResult(rows)
	if err != nil {
		return ProcResult{}, err
	}
	for rows.NextResultSet() {
	}
	return res, rows.Err()
}

func scanProcResult(rows *sql.Rows) (ProcResult, error) {
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return ProcResult{}, err
		}
		return ProcResult{}, errors.New("repository: procedure returned no row")
	}
	var (
		code, msg sql.NullString
		id        sql.NullInt64
	)
	if err := rows.Scan(&code, &msg, &id); err != nil {
		return ProcResult{}, fmt.Errorf("repository: decode procedure row: %w", err)
	}
	return ProcResult{Code: code.String, Message: msg.String, ID: id.Int64}, nil
}

// isDuplicateKey reports a MySQL unique-constraint violation (1062).
func isDuplicateKey(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == 1062
}

// notFound turns sql.ErrNoRows into apperr.NotFound and passes other errors
// through.
func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.Newf(apperr.NotFound, "%s not found", what)
	}
	return err
}
