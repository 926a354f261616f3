package notification

import (
	"database/sql"
	"fmt"
)

// スキーマ定義。通知レコードはこのサービスからは物理削除しない。
const schema = `
CREATE TABLE IF NOT EXISTS notifications (
    -- 通知の一意識別子（UUID）
    id TEXT PRIMARY KEY,
    -- 正規化済み（小文字化）の受信者キー
    recipient TEXT NOT NULL,
    -- 送信者のユーザーID
    sender_id TEXT NOT NULL,
    -- 送信者の表示名（配信時点で解決済み）
    sender_name TEXT NOT NULL,
    -- 送信者のアバター画像URL
    sender_avatar TEXT NOT NULL DEFAULT '',
    -- 通知のタイトル
    title TEXT NOT NULL,
    -- 通知メッセージ
    message TEXT NOT NULL,
    -- 通知の既読状態（0→1の一方向のみ）
    is_read INTEGER NOT NULL DEFAULT 0,
    -- 通知の作成日時
    created_at DATETIME NOT NULL
);

-- 受信者での検索を高速化するインデックス。
CREATE INDEX IF NOT EXISTS idx_notifications_recipient
    ON notifications(recipient, created_at DESC);

-- 未読件数の集計を高速化するインデックス。
CREATE INDEX IF NOT EXISTS idx_notifications_unread
    ON notifications(recipient, is_read) WHERE is_read = 0;
`

// initSchema はSQLiteデータベースにスキーマを適用する。
func initSchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("スキーマの適用に失敗: %w", err)
	}
	return nil
}
