// Package httpclient は通知APIを呼び出すHTTPクライアントを提供する。
//
// 文書サービスからのイベント追記と、利用者向けの通知一覧・既読操作に使用する。
// 認証にはJWTをBearerトークンとして付与する。
package httpclient
