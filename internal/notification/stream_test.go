package notification

import (
	"bufio"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nao1215/notifystream/pkg/event"
)

// openTestStream はテストサーバーへSSEストリーム接続を開くヘルパー関数。
func openTestStream(t *testing.T, ts *httptest.Server, email string) *http.Response {
	t.Helper()

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, ts.URL+"/api/v1/notifications/stream", nil)
	if err != nil {
		t.Fatalf("リクエストの作成に失敗: %v", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if email != "" {
		req.Header.Set("X-Test-Email", email)
		req.Header.Set("X-Test-User-ID", "admin-1")
		req.Header.Set("X-Test-Name", "Admin User")
	}

	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("ストリーム接続に失敗: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// readDataFrame はストリームから次のdataフレームのペイロードを読み取る。
// コメント行（ハートビート）と空行は読み飛ばす。
func readDataFrame(t *testing.T, reader *bufio.Reader) []byte {
	t.Helper()

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("ストリームの読み取りに失敗: %v", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if payload, ok := strings.CutPrefix(line, "data:"); ok {
			return []byte(strings.TrimSpace(payload))
		}
	}
}

// waitFor は条件が満たされるまでポーリングする。時間内に満たされなければ失敗する。
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("条件が時間内に満たされなかった")
}

// TestStreamConnection はSSEストリームの接続確立と配信を検証する。
func TestStreamConnection(t *testing.T) {
	t.Parallel()

	t.Run("接続フレームが最初に届きディスパッチした通知が順に配信されること", func(t *testing.T) {
		t.Parallel()

		s, router := setupTestServer(t)
		ts := httptest.NewServer(router)
		t.Cleanup(ts.Close)

		resp := openTestStream(t, ts, "owner@example.com")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("ステータスコード: got %d, want %d", resp.StatusCode, http.StatusOK)
		}
		if got := resp.Header.Get("Content-Type"); got != "text/event-stream" {
			t.Errorf("Content-Type: got %q, want text/event-stream", got)
		}

		reader := bufio.NewReader(resp.Body)

		// 最初のフレームは接続フレームで、割り当てられた接続IDを含む
		raw := readDataFrame(t, reader)
		if event.Kind(raw) != event.TypeConnection {
			t.Fatalf("最初のフレーム種別 = %q, want %q", event.Kind(raw), event.TypeConnection)
		}
		conn, err := event.Decode[event.ConnectionFrame](raw)
		if err != nil {
			t.Fatalf("接続フレームのデコードに失敗: %v", err)
		}
		if conn.ConnectionID == "" {
			t.Error("接続IDが含まれていない")
		}

		stats := s.registry.Stats()
		if stats.Connections != 1 {
			t.Errorf("Connections = %d, want 1", stats.Connections)
		}

		// ディスパッチした通知がストリーム経由で届く
		if _, err := s.dispatcher.Dispatch(t.Context(), CreateNotificationParams{
			Recipient:  "owner@example.com",
			SenderID:   "admin-1",
			SenderName: "管理者",
			Title:      "承認完了",
			Message:    "注文が承認されました",
		}); err != nil {
			t.Fatalf("Dispatch()でエラーが発生: %v", err)
		}

		raw = readDataFrame(t, reader)
		if event.Kind(raw) != event.TypeNotification {
			t.Fatalf("フレーム種別 = %q, want %q", event.Kind(raw), event.TypeNotification)
		}
		notif, err := event.Decode[event.NotificationFrame](raw)
		if err != nil {
			t.Fatalf("通知フレームのデコードに失敗: %v", err)
		}
		if notif.Data.Title != "承認完了" {
			t.Errorf("title: got %q, want 承認完了", notif.Data.Title)
		}
		if notif.Data.Sender.Name != "管理者" {
			t.Errorf("sender.name: got %q, want 管理者", notif.Data.Sender.Name)
		}

		// 通知の直後に最新の未読件数が届く
		raw = readDataFrame(t, reader)
		if event.Kind(raw) != event.TypeUnreadCount {
			t.Fatalf("フレーム種別 = %q, want %q", event.Kind(raw), event.TypeUnreadCount)
		}
		count, err := event.Decode[event.UnreadCountFrame](raw)
		if err != nil {
			t.Fatalf("未読件数フレームのデコードに失敗: %v", err)
		}
		if count.Data != 1 {
			t.Errorf("未読件数: got %d, want 1", count.Data)
		}
	})

	t.Run("切断後にレジストリから登録解除されること", func(t *testing.T) {
		t.Parallel()

		s, router := setupTestServer(t)
		ts := httptest.NewServer(router)
		t.Cleanup(ts.Close)

		resp := openTestStream(t, ts, "owner@example.com")
		reader := bufio.NewReader(resp.Body)
		readDataFrame(t, reader)

		if got := s.registry.Stats().Connections; got != 1 {
			t.Fatalf("Connections = %d, want 1", got)
		}

		resp.Body.Close()

		waitFor(t, 2*time.Second, func() bool {
			stats := s.registry.Stats()
			return stats.Connections == 0 && stats.Recipients == 0
		})
	})

	t.Run("ハートビートがコメントフレームとして届くこと", func(t *testing.T) {
		t.Parallel()

		// setupTestServerはハートビート間隔を50msに設定している
		_, router := setupTestServer(t)
		ts := httptest.NewServer(router)
		t.Cleanup(ts.Close)

		resp := openTestStream(t, ts, "owner@example.com")
		reader := bufio.NewReader(resp.Body)
		readDataFrame(t, reader)

		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			line, err := reader.ReadString('\n')
			if err != nil {
				t.Fatalf("ストリームの読み取りに失敗: %v", err)
			}
			if strings.HasPrefix(line, ": heartbeat") {
				return
			}
		}
		t.Fatal("ハートビートが届かなかった")
	})

	t.Run("認証情報がない場合はUnauthorizedで登録されないこと", func(t *testing.T) {
		t.Parallel()

		s, router := setupTestServer(t)
		ts := httptest.NewServer(router)
		t.Cleanup(ts.Close)

		resp := openTestStream(t, ts, "")
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("ステータスコード: got %d, want %d", resp.StatusCode, http.StatusUnauthorized)
		}
		if got := s.registry.Stats().Connections; got != 0 {
			t.Errorf("Connections = %d, want 0", got)
		}
	})

	t.Run("同一受信者の2本目の接続が両方ともフレームを受信すること", func(t *testing.T) {
		t.Parallel()

		s, router := setupTestServer(t)
		ts := httptest.NewServer(router)
		t.Cleanup(ts.Close)

		resp1 := openTestStream(t, ts, "owner@example.com")
		reader1 := bufio.NewReader(resp1.Body)
		readDataFrame(t, reader1)

		resp2 := openTestStream(t, ts, "owner@example.com")
		reader2 := bufio.NewReader(resp2.Body)
		readDataFrame(t, reader2)

		stats := s.registry.Stats()
		if stats.Recipients != 1 || stats.Connections != 2 {
			t.Fatalf("Stats = %+v, want Recipients=1 Connections=2", stats)
		}

		if _, err := s.dispatcher.Dispatch(t.Context(), CreateNotificationParams{
			Recipient: "owner@example.com",
			Title:     "t",
			Message:   "m",
		}); err != nil {
			t.Fatalf("Dispatch()でエラーが発生: %v", err)
		}

		for _, reader := range []*bufio.Reader{reader1, reader2} {
			raw := readDataFrame(t, reader)
			if event.Kind(raw) != event.TypeNotification {
				t.Errorf("フレーム種別 = %q, want %q", event.Kind(raw), event.TypeNotification)
			}
		}
	})
}
