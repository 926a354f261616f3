// Package notification はリアルタイム通知サービスの内部実装を提供する。
//
// 管理画面の各操作（承認フロー、請求書生成など）が内部APIを通じて
// 通知を作成すると、SQLiteへの永続化後、受信者が開いている全ての
// SSEストリーム接続へ通知フレームと未読件数フレームを配信する。
// 接続はプロセス内のレジストリで受信者ごとに管理される。
package notification
