// Package store は通知エンジンの永続化層をsqlxで実装する。
//
// SQLite（modernc.org/sqlite、ドライバ名 "sqlite"）とPostgreSQL（pgx、ドライバ名 "pgx"）の
// 両方で動作する。SQLはプレースホルダを "?" で書き、実行時にRebindで変換する。
// 日時はUTCの固定幅文字列で保存するため、文字列比較がそのまま時刻の比較になる。
//
// トランザクションはcontextで受け渡す。Transactor.WithinTx の中で呼ばれたリポジトリの
// メソッドはそのトランザクションを使い、外で呼ばれた場合はコネクションプールを使う。
package store
