package repository

import (
	"context"

	"github.com/jackc/pgx/v4"
)

type Tx interface{}

// TransactionManager executes fn inside a database transaction, passing
// the tx handle through the repositories' `tx Tx` argument. Keeps
// use-case interfaces clean of driver transaction types.
//
// The concrete type of `tx` is infra-defined (pgx.Tx for Postgres).
// Repositories must gracefully accept a nil tx (non-transactional path).
type TransactionManager interface {
	WithTx(ctx context.Context, txOpt pgx.TxOptions, fn func(ctx context.Context, tx Tx) error) error
}
