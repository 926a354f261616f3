// Package httpclient は通知サービスのコントロールAPIを呼び出すための
// JSON HTTPクライアントを提供する。
//
// Bearerトークンによる認証と、タイムアウト付きのGET/POST/PUTリクエストを
// サポートする。pkg/notifyclientのセッションが既読化や通知一覧の取得に
// 使用する。
package httpclient
