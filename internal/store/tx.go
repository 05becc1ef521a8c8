package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// txKey はcontextにトランザクションを格納するキー。
type txKey struct{}

// Transactor はcontextにトランザクションを載せて処理を実行する。
type Transactor struct {
	db *sqlx.DB
}

// NewTransactor は新しいTransactorを生成する。
func NewTransactor(db *sqlx.DB) *Transactor {
	return &Transactor{db: db}
}

// WithinTx はfnをトランザクション内で実行する。
// fnがnilを返せばコミットし、エラーを返すかパニックした場合はロールバックする。
// 既にトランザクション内であれば、そのトランザクションでfnを実行する。
func (t *Transactor) WithinTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if _, ok := ctx.Value(txKey{}).(*sqlx.Tx); ok {
		return fn(ctx)
	}

	tx, err := t.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクション開始に失敗: %w", err)
	}

	defer func() {
		if r := recover(); r != nil {
			tx.Rollback() //nolint:errcheck
			panic(r)
		}
	}()

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		tx.Rollback() //nolint:errcheck
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("コミットに失敗: %w", err)
	}
	return nil
}

// ext はcontextのトランザクションを返す。なければコネクションプールを返す。
func ext(ctx context.Context, db *sqlx.DB) sqlx.ExtContext {
	if tx, ok := ctx.Value(txKey{}).(*sqlx.Tx); ok {
		return tx
	}
	return db
}
