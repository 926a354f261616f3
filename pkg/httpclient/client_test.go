package httpclient

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// TestGetJSON はGETリクエストの送信とレスポンスのデコードを検証する。
func TestGetJSON(t *testing.T) {
	t.Parallel()

	t.Run("レスポンスボディをデコードできること", func(t *testing.T) {
		t.Parallel()

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet {
				t.Errorf("メソッド = %s, want GET", r.Method)
			}
			if r.URL.Path != "/api/v1/notifications" {
				t.Errorf("パス = %s, want /api/v1/notifications", r.URL.Path)
			}
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"total": 3}`))
		}))
		t.Cleanup(server.Close)

		client := New(server.URL)
		var result map[string]any
		if err := client.GetJSON(t.Context(), "/api/v1/notifications", &result); err != nil {
			t.Fatalf("GetJSON()でエラーが発生: %v", err)
		}
		if result["total"] != float64(3) {
			t.Errorf("total = %v, want 3", result["total"])
		}
	})

	t.Run("非2xxレスポンスはエラーを返すこと", func(t *testing.T) {
		t.Parallel()

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		t.Cleanup(server.Close)

		client := New(server.URL)
		if err := client.GetJSON(t.Context(), "/fail", nil); err == nil {
			t.Error("エラーが返されるべき")
		}
	})
}

// TestBearerToken はBearerトークンがAuthorizationヘッダーに設定されることを検証する。
func TestBearerToken(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer token-abc" {
			t.Errorf("Authorization = %q, want %q", got, "Bearer token-abc")
		}
		w.Write([]byte(`{}`))
	}))
	t.Cleanup(server.Close)

	client := New(server.URL, WithToken("token-abc"), WithTimeout(5*time.Second))
	if err := client.GetJSON(t.Context(), "/", nil); err != nil {
		t.Fatalf("GetJSON()でエラーが発生: %v", err)
	}
}

// TestPutJSON はPUTリクエストのボディ送信を検証する。
func TestPutJSON(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("メソッド = %s, want PUT", r.Method)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("リクエストボディのデコードに失敗: %v", err)
		}
		if body["read"] != true {
			t.Errorf("read = %v, want true", body["read"])
		}
		w.Write([]byte(`{"message":"ok"}`))
	}))
	t.Cleanup(server.Close)

	client := New(server.URL)
	var result map[string]any
	if err := client.PutJSON(t.Context(), "/api/v1/notifications/n1/read", map[string]any{"read": true}, &result); err != nil {
		t.Fatalf("PutJSON()でエラーが発生: %v", err)
	}
	if result["message"] != "ok" {
		t.Errorf("message = %v, want ok", result["message"])
	}
}
