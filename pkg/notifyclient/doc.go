// Package notifyclient は通知サービスへのクライアントセッションを提供する。
//
// セッションは常に1つの論理的な購読のみを保持し、SSEストリームの切断時は
// 指数バックオフ（上限つき）で自動再接続する。通知一覧と未読件数を
// メモリ上に保持し、既読化は楽観的にローカル状態を更新してから
// サーバーへ反映する。未読件数はサーバーが送るunreadCountフレームが
// 常に正となる。
package notifyclient
