package store

import (
	"context"
	"embed"
	"fmt"
	"log/slog"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nao1215/docnotify/pkg/migration"
)

const (
	// DriverSQLite は組み込みSQLiteのドライバ名。
	DriverSQLite = "sqlite"
	// DriverPostgres はPostgreSQL（pgx）のドライバ名。
	DriverPostgres = "pgx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Open はデータベースに接続する。
// SQLiteは同時に1コネクションしか使わない。":memory:" を複数コネクションで開くと
// それぞれ別のデータベースになるため。
func Open(ctx context.Context, driver, dsn string) (*sqlx.DB, error) {
	switch driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("未対応のデータベースドライバです: %q", driver)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("データベースへの疎通確認に失敗: %w", err)
	}
	return db, nil
}

// Migrate は組み込みのマイグレーションを適用する。
func Migrate(ctx context.Context, db *sqlx.DB, logger *slog.Logger) error {
	if err := migration.Run(ctx, db, migrationsFS, "migrations", logger); err != nil {
		return fmt.Errorf("マイグレーションに失敗: %w", err)
	}
	return nil
}
