// Package middleware は通知APIで使用するGinミドルウェアを提供する。
//
// JWT認証トークンの検証、構造化ログによるリクエストログ、パニックリカバリ、
// CORS設定を含む。
package middleware
