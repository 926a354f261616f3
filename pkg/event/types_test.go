package event

import (
	"encoding/json"
	"testing"
)

// TestNewConnectionFrame は接続確立フレームの生成とJSON形式を検証する。
func TestNewConnectionFrame(t *testing.T) {
	t.Parallel()

	frame := NewConnectionFrame("conn-123")

	if frame.Type != TypeConnection {
		t.Errorf("Type = %q, want %q", frame.Type, TypeConnection)
	}
	if frame.ConnectionID != "conn-123" {
		t.Errorf("ConnectionID = %q, want %q", frame.ConnectionID, "conn-123")
	}

	raw, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("JSONシリアライズに失敗: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("JSONデコードに失敗: %v", err)
	}
	if decoded["type"] != "connection" {
		t.Errorf("type = %v, want connection", decoded["type"])
	}
	if decoded["connectionId"] != "conn-123" {
		t.Errorf("connectionId = %v, want conn-123", decoded["connectionId"])
	}
}

// TestNotificationFrameJSONFields は通知フレームのJSONフィールド名を検証する。
// クライアントとの互換性のため _id / profilePicture / createdAt の形式を固定する。
func TestNotificationFrameJSONFields(t *testing.T) {
	t.Parallel()

	frame := NewNotificationFrame(NotificationPayload{
		ID:      "notif-1",
		Title:   "承認完了",
		Message: "注文が承認されました",
		Sender: Sender{
			ID:             "admin-1",
			Name:           "管理者",
			ProfilePicture: "https://example.com/avatar.png",
		},
		CreatedAt: "2026-01-15T09:00:00Z",
		Read:      false,
	})

	raw, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("JSONシリアライズに失敗: %v", err)
	}

	var decoded struct {
		Type string `json:"type"`
		Data map[string]any `json:"data"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("JSONデコードに失敗: %v", err)
	}

	if decoded.Type != "notification" {
		t.Errorf("type = %q, want notification", decoded.Type)
	}
	if decoded.Data["_id"] != "notif-1" {
		t.Errorf("data._id = %v, want notif-1", decoded.Data["_id"])
	}
	if decoded.Data["read"] != false {
		t.Errorf("data.read = %v, want false", decoded.Data["read"])
	}

	sender, ok := decoded.Data["sender"].(map[string]any)
	if !ok {
		t.Fatalf("data.sender がオブジェクトではない: %v", decoded.Data["sender"])
	}
	if sender["_id"] != "admin-1" {
		t.Errorf("sender._id = %v, want admin-1", sender["_id"])
	}
	if sender["profilePicture"] != "https://example.com/avatar.png" {
		t.Errorf("sender.profilePicture = %v, want https://example.com/avatar.png", sender["profilePicture"])
	}
}

// TestKind はフレーム種別の判別を検証する。
func TestKind(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
		want Type
	}{
		{name: "接続フレーム", raw: `{"type":"connection","connectionId":"c1"}`, want: TypeConnection},
		{name: "通知フレーム", raw: `{"type":"notification","data":{}}`, want: TypeNotification},
		{name: "未読件数フレーム", raw: `{"type":"unreadCount","data":5}`, want: TypeUnreadCount},
		{name: "不正なJSON", raw: `{invalid`, want: ""},
		{name: "typeフィールドなし", raw: `{"data":1}`, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Kind([]byte(tt.raw)); got != tt.want {
				t.Errorf("Kind() = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestDecode は具象フレーム型へのデコードを検証する。
func TestDecode(t *testing.T) {
	t.Parallel()

	t.Run("未読件数フレームをデコードできる", func(t *testing.T) {
		t.Parallel()

		frame, err := Decode[UnreadCountFrame]([]byte(`{"type":"unreadCount","data":7}`))
		if err != nil {
			t.Fatalf("デコードに失敗: %v", err)
		}
		if frame.Data != 7 {
			t.Errorf("Data = %d, want 7", frame.Data)
		}
	})

	t.Run("不正なJSONはエラーを返す", func(t *testing.T) {
		t.Parallel()

		if _, err := Decode[NotificationFrame]([]byte(`{`)); err == nil {
			t.Error("エラーが返されるべき")
		}
	})
}
