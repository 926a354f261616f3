package notification

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nao1215/notifystream/pkg/event"
	"github.com/nao1215/notifystream/pkg/middleware"
)

// ErrNotificationNotFound は指定された通知が存在しない場合に返されるエラー。
var ErrNotificationNotFound = errors.New("通知が見つかりません")

// Notification は永続化された通知レコード。
type Notification struct {
	// ID は通知の一意識別子（UUID）。
	ID string
	// Recipient は正規化済みの受信者キー。
	Recipient string
	// SenderID は送信者のユーザーID。
	SenderID string
	// SenderName は送信者の表示名。
	SenderName string
	// SenderAvatar は送信者のアバター画像URL。
	SenderAvatar string
	// Title は通知のタイトル。
	Title string
	// Message は通知メッセージ。
	Message string
	// IsRead は既読状態。falseからtrueへの一方向のみ変化する。
	IsRead bool
	// CreatedAt は通知の作成日時。
	CreatedAt time.Time
}

// Payload は通知レコードをストリーム配信用のペイロードに変換する。
func (n Notification) Payload() event.NotificationPayload {
	return event.NotificationPayload{
		ID:      n.ID,
		Title:   n.Title,
		Message: n.Message,
		Sender: event.Sender{
			ID:             n.SenderID,
			Name:           n.SenderName,
			ProfilePicture: n.SenderAvatar,
		},
		CreatedAt: n.CreatedAt.UTC().Format(time.RFC3339),
		Read:      n.IsRead,
	}
}

// CreateNotificationParams は通知作成のパラメータ。
type CreateNotificationParams struct {
	// Recipient は受信者キー。保存前に正規化される。
	Recipient string
	// SenderID は送信者のユーザーID。
	SenderID string
	// SenderName は送信者の表示名。
	SenderName string
	// SenderAvatar は送信者のアバター画像URL。
	SenderAvatar string
	// Title は通知のタイトル。
	Title string
	// Message は通知メッセージ。
	Message string
}

// Store は通知レコードのSQLite永続化を担う。
type Store struct {
	// db はSQLiteデータベース接続。
	db *sql.DB
}

// NewStore は新しい通知ストアを生成する。
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create は通知レコードを永続化して返す。
func (s *Store) Create(ctx context.Context, p CreateNotificationParams) (Notification, error) {
	n := Notification{
		ID:           uuid.New().String(),
		Recipient:    middleware.NormalizeRecipient(p.Recipient),
		SenderID:     p.SenderID,
		SenderName:   p.SenderName,
		SenderAvatar: p.SenderAvatar,
		Title:        p.Title,
		Message:      p.Message,
		IsRead:       false,
		CreatedAt:    time.Now().UTC(),
	}

	const query = `
		INSERT INTO notifications (id, recipient, sender_id, sender_name, sender_avatar, title, message, is_read, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)
	`
	if _, err := s.db.ExecContext(ctx, query,
		n.ID, n.Recipient, n.SenderID, n.SenderName, n.SenderAvatar, n.Title, n.Message, n.CreatedAt,
	); err != nil {
		return Notification{}, fmt.Errorf("通知の保存に失敗: %w", err)
	}
	return n, nil
}

// List は受信者の通知を新しい順に取得する。
// unreadOnlyがtrueの場合は未読のみに絞り込む。フィルタ適用後の総件数も返す。
func (s *Store) List(ctx context.Context, recipient string, limit, skip int64, unreadOnly bool) ([]Notification, int64, error) {
	key := middleware.NormalizeRecipient(recipient)

	countQuery := "SELECT COUNT(*) FROM notifications WHERE recipient = ?"
	listQuery := `
		SELECT id, recipient, sender_id, sender_name, sender_avatar, title, message, is_read, created_at
		FROM notifications WHERE recipient = ?
	`
	if unreadOnly {
		countQuery += " AND is_read = 0"
		listQuery += " AND is_read = 0"
	}
	listQuery += " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"

	var total int64
	if err := s.db.QueryRowContext(ctx, countQuery, key).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("通知件数の取得に失敗: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, listQuery, key, limit, skip)
	if err != nil {
		return nil, 0, fmt.Errorf("通知一覧の取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	notifications := make([]Notification, 0, limit)
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, 0, err
		}
		notifications = append(notifications, n)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("通知一覧の読み取りに失敗: %w", err)
	}
	return notifications, total, nil
}

// CountUnread は受信者の未読通知件数を返す。
func (s *Store) CountUnread(ctx context.Context, recipient string) (int64, error) {
	key := middleware.NormalizeRecipient(recipient)

	var count int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM notifications WHERE recipient = ? AND is_read = 0", key,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("未読件数の取得に失敗: %w", err)
	}
	return count, nil
}

// GetByID は指定されたIDの通知を取得する。
// 存在しない場合はErrNotificationNotFoundを返す。
func (s *Store) GetByID(ctx context.Context, id string) (Notification, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, recipient, sender_id, sender_name, sender_avatar, title, message, is_read, created_at
		FROM notifications WHERE id = ?
	`, id)

	n, err := scanNotification(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Notification{}, ErrNotificationNotFound
		}
		return Notification{}, err
	}
	return n, nil
}

// MarkAsRead は指定された通知を既読にする。
// 受信者の所有チェックを兼ねて受信者キーでも絞り込む。既読の通知への
// 再実行は何も変更しない（冪等）。
func (s *Store) MarkAsRead(ctx context.Context, id, recipient string) error {
	key := middleware.NormalizeRecipient(recipient)

	if _, err := s.db.ExecContext(ctx,
		"UPDATE notifications SET is_read = 1 WHERE id = ? AND recipient = ?", id, key,
	); err != nil {
		return fmt.Errorf("通知の既読化に失敗: %w", err)
	}
	return nil
}

// MarkAllAsRead は受信者の全通知を既読にする。冪等。
func (s *Store) MarkAllAsRead(ctx context.Context, recipient string) error {
	key := middleware.NormalizeRecipient(recipient)

	if _, err := s.db.ExecContext(ctx,
		"UPDATE notifications SET is_read = 1 WHERE recipient = ? AND is_read = 0", key,
	); err != nil {
		return fmt.Errorf("全通知の既読化に失敗: %w", err)
	}
	return nil
}

// scanner はsql.Rowとsql.Rowsの共通インターフェース。
type scanner interface {
	Scan(dest ...any) error
}

// scanNotification は1行を通知レコードに変換する。
func scanNotification(row scanner) (Notification, error) {
	var n Notification
	var isRead int64
	if err := row.Scan(
		&n.ID, &n.Recipient, &n.SenderID, &n.SenderName, &n.SenderAvatar,
		&n.Title, &n.Message, &isRead, &n.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Notification{}, err
		}
		return Notification{}, fmt.Errorf("通知レコードの読み取りに失敗: %w", err)
	}
	n.IsRead = isRead != 0
	return n, nil
}
