package event

import "encoding/json"

// Type はストリームフレームの種類を表す。
type Type string

const (
	// TypeConnection は接続確立直後に一度だけ送信されるフレームを表す。
	// 割り当てられた接続IDをクライアントに通知する。
	TypeConnection Type = "connection"
	// TypeNotification は新しい通知の配信フレームを表す。
	TypeNotification Type = "notification"
	// TypeUnreadCount は未読件数の更新フレームを表す。
	// サーバーが計算した値が常に正となる（クライアントの暫定値を上書きする）。
	TypeUnreadCount Type = "unreadCount"
)

// Envelope はフレーム種別の判別に使用する最小構造。
// クライアントはまずEnvelopeにデコードし、Typeに応じて具象型へデコードする。
type Envelope struct {
	// Type はフレームの種類。
	Type Type `json:"type"`
}

// Sender は通知の送信者情報。配信時点でサーバー側で解決済みの値を持つ。
type Sender struct {
	// ID は送信者の一意識別子。
	ID string `json:"_id"`
	// Name は送信者の表示名。
	Name string `json:"name"`
	// ProfilePicture は送信者のアバター画像URL。
	ProfilePicture string `json:"profilePicture"`
}

// NotificationPayload は通知フレームのデータ部。
type NotificationPayload struct {
	// ID は通知の一意識別子（UUID）。
	ID string `json:"_id"`
	// Title は通知のタイトル。
	Title string `json:"title"`
	// Message は通知メッセージ。
	Message string `json:"message"`
	// Sender は送信者情報。
	Sender Sender `json:"sender"`
	// CreatedAt は通知の作成日時（RFC3339形式）。
	CreatedAt string `json:"createdAt"`
	// Read は既読状態。配信時点では常にfalse。
	Read bool `json:"read"`
}

// ConnectionFrame は接続確立フレーム。
type ConnectionFrame struct {
	// Type は常にTypeConnection。
	Type Type `json:"type"`
	// Message は接続確立メッセージ。
	Message string `json:"message"`
	// ConnectionID はサーバーが割り当てた接続ID。
	ConnectionID string `json:"connectionId"`
}

// NotificationFrame は通知配信フレーム。
type NotificationFrame struct {
	// Type は常にTypeNotification。
	Type Type `json:"type"`
	// Data は通知ペイロード。
	Data NotificationPayload `json:"data"`
}

// UnreadCountFrame は未読件数フレーム。
type UnreadCountFrame struct {
	// Type は常にTypeUnreadCount。
	Type Type `json:"type"`
	// Data はサーバーが計算した未読件数。
	Data int64 `json:"data"`
}

// NewConnectionFrame は接続確立フレームを生成する。
func NewConnectionFrame(connectionID string) ConnectionFrame {
	return ConnectionFrame{
		Type:         TypeConnection,
		Message:      "通知ストリームに接続しました",
		ConnectionID: connectionID,
	}
}

// NewNotificationFrame は通知配信フレームを生成する。
func NewNotificationFrame(payload NotificationPayload) NotificationFrame {
	return NotificationFrame{Type: TypeNotification, Data: payload}
}

// NewUnreadCountFrame は未読件数フレームを生成する。
func NewUnreadCountFrame(count int64) UnreadCountFrame {
	return UnreadCountFrame{Type: TypeUnreadCount, Data: count}
}

// Kind は生のJSONフレームから種別を判別する。
// 未知の種別や不正なJSONの場合は空文字列を返す。
func Kind(raw []byte) Type {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return ""
	}
	return env.Type
}

// Decode は生のJSONフレームを指定された具象フレーム型にデコードする。
func Decode[T any](raw []byte) (*T, error) {
	var frame T
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, err
	}
	return &frame, nil
}
