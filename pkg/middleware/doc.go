// Package middleware はGinベースのHTTP APIで使用する共通ミドルウェアを提供する。
//
// JWT認証トークンの検証と発行、リクエスト元（受信者）の識別子の解決、
// パニックリカバリ、CORS設定を含む。受信者キーは正規化（小文字化）した
// メールアドレスとして扱う。
package middleware
