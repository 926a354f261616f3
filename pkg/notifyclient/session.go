package notifyclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nao1215/notifystream/pkg/event"
	"github.com/nao1215/notifystream/pkg/httpclient"
)

// Status はセッションの接続状態を表す。
type Status string

const (
	// StatusDisconnected は未接続または明示的に切断済みの状態。
	StatusDisconnected Status = "disconnected"
	// StatusConnecting は接続試行中の状態。
	StatusConnecting Status = "connecting"
	// StatusConnected はストリーム接続が確立している状態。
	StatusConnected Status = "connected"
	// StatusReconnecting は切断後、再接続タイマーの待機中の状態。
	StatusReconnecting Status = "reconnecting"
	// StatusExhausted は連続失敗が上限に達し自動再接続を停止した状態。
	// UIからの明示的なConnect呼び出しでのみ復帰する。
	StatusExhausted Status = "exhausted"
)

// streamPath はSSEストリームエンドポイントのパス。
const streamPath = "/api/v1/notifications/stream"

// Config はセッションの設定。
type Config struct {
	// BaseURL は通知サービスのベースURL。
	BaseURL string
	// Token は認証に使用するBearerトークン。
	Token string
	// BackoffBase は再接続バックオフの初期値。既定は1秒。
	BackoffBase time.Duration
	// BackoffCap は再接続バックオフの上限。既定は30秒。
	BackoffCap time.Duration
	// MaxRetries は連続失敗の許容回数。超えると自動再接続を停止する。
	// 既定は10回。
	MaxRetries int
	// HTTPClient はストリーム接続に使用するHTTPクライアント。
	// 長時間接続のためタイムアウトを設定してはならない。既定はタイムアウトなし。
	HTTPClient *http.Client
}

// FetchResult は通知一覧取得の結果。
type FetchResult struct {
	// Notifications は通知の一覧（新しい順）。
	Notifications []event.NotificationPayload `json:"notifications"`
	// Pagination はページネーション情報。
	Pagination struct {
		// Total はフィルタ適用後の総件数。
		Total int64 `json:"total"`
		// Limit は1ページの最大件数。
		Limit int64 `json:"limit"`
		// Skip は読み飛ばした件数。
		Skip int64 `json:"skip"`
	} `json:"pagination"`
	// UnreadCount は現在の未読件数。
	UnreadCount int64 `json:"unreadCount"`
}

// Session は通知サービスへのクライアントセッション。
// 常に最大1つの論理的な購読を保持し、切断時は指数バックオフで
// 自動再接続する。1ユーザーセッションにつき1インスタンスを生成する。
type Session struct {
	// cfg はセッションの設定。
	cfg Config
	// api はコントロールAPI（一覧取得・既読化）用のクライアント。
	api *httpclient.Client
	// streamClient はストリーム接続用のHTTPクライアント（タイムアウトなし）。
	streamClient *http.Client

	// OnNotification は通知フレームの受信時に呼び出される。
	// UIの一時アラート表示やOS通知の発行に使用する。Connect前に設定すること。
	OnNotification func(event.NotificationPayload)
	// OnStatusChange は接続状態の変化時に呼び出される。
	OnStatusChange func(Status)
	// OnError はストリームエラーやコントロール操作の失敗時に呼び出される。
	OnError func(error)

	// mu は以下のすべての可変状態を保護する。
	mu sync.Mutex
	// status は現在の接続状態。
	status Status
	// notifications は保持中の通知一覧（新しい順）。
	notifications []event.NotificationPayload
	// unreadCount は未読件数。サーバーのunreadCountフレームが常に正となる。
	unreadCount int64
	// connectionID はサーバーが割り当てた接続ID。
	connectionID string
	// attempt は連続失敗回数。接続成功時に0へ戻る。
	attempt int
	// lastErr は最後に発生したエラー。
	lastErr error
	// cancel は現在の購読を破棄する。再接続タイマーも同時に無効化される
	// （破棄後に発火したタイマーが購読を復活させることはない）。
	cancel context.CancelFunc
}

// NewSession は新しいクライアントセッションを生成する。
func NewSession(cfg Config) *Session {
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 10
	}
	streamClient := cfg.HTTPClient
	if streamClient == nil {
		streamClient = &http.Client{}
	}

	return &Session{
		cfg:          cfg,
		api:          httpclient.New(cfg.BaseURL, httpclient.WithToken(cfg.Token)),
		streamClient: streamClient,
		status:       StatusDisconnected,
	}
}

// Connect はストリームの購読を開始する。
// 既存の購読がある場合は先に破棄する（同一セッションで2つの購読が
// 並走することはない）。StatusExhaustedからの手動復帰にも使用する。
func (s *Session) Connect() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.attempt = 0
	s.mu.Unlock()

	s.setStatus(StatusConnecting)
	go s.run(ctx)
}

// Disconnect は購読を終了する。保留中の再接続タイマーも破棄される。
// 複数回呼び出しても安全。
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()
	s.setStatus(StatusDisconnected)
}

// run は購読と再接続のループ。ctxのキャンセルで終了する。
func (s *Session) run(ctx context.Context) {
	policy := s.newBackoffPolicy()

	for {
		err := s.subscribe(ctx, func() {
			// 接続成功でバックオフと失敗カウンタをリセットする
			policy.Reset()
			s.mu.Lock()
			s.attempt = 0
			s.mu.Unlock()
			s.transition(ctx, StatusConnected)
		})
		if ctx.Err() != nil {
			// Disconnectまたは再Connectによる破棄
			return
		}
		s.recordError(err)

		s.mu.Lock()
		s.attempt++
		attempt := s.attempt
		s.mu.Unlock()

		if attempt > s.cfg.MaxRetries {
			// 再接続の嵐を防ぐため自動再試行を打ち切る
			s.transition(ctx, StatusExhausted)
			return
		}

		s.transition(ctx, StatusReconnecting)
		timer := time.NewTimer(policy.NextBackOff())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		s.transition(ctx, StatusConnecting)
	}
}

// subscribe はストリームを1回接続し、切断まで受信したフレームを処理する。
// 接続の確立に成功した時点でonOpenを呼び出す。
func (s *Session) subscribe(ctx context.Context, onOpen func()) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.BaseURL+streamPath, nil)
	if err != nil {
		return fmt.Errorf("ストリームリクエストの作成に失敗: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if s.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.Token)
	}

	resp, err := s.streamClient.Do(req)
	if err != nil {
		return fmt.Errorf("ストリーム接続に失敗: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("ストリーム接続が拒否されました: status=%d", resp.StatusCode)
	}

	onOpen()

	reader := newFrameReader(resp.Body)
	for {
		raw, err := reader.Next()
		if err != nil {
			return fmt.Errorf("ストリームの読み取りに失敗: %w", err)
		}
		s.handleFrame(raw)
	}
}

// handleFrame は受信したデータフレームを種別に応じて処理する。
func (s *Session) handleFrame(raw []byte) {
	switch event.Kind(raw) {
	case event.TypeConnection:
		frame, err := event.Decode[event.ConnectionFrame](raw)
		if err != nil {
			s.recordError(fmt.Errorf("接続フレームのデコードに失敗: %w", err))
			return
		}
		s.mu.Lock()
		s.connectionID = frame.ConnectionID
		s.mu.Unlock()

	case event.TypeNotification:
		frame, err := event.Decode[event.NotificationFrame](raw)
		if err != nil {
			s.recordError(fmt.Errorf("通知フレームのデコードに失敗: %w", err))
			return
		}
		s.mu.Lock()
		s.notifications = append([]event.NotificationPayload{frame.Data}, s.notifications...)
		// 暫定値。次のunreadCountフレームで権威ある値に上書きされる
		s.unreadCount++
		cb := s.OnNotification
		s.mu.Unlock()
		if cb != nil {
			cb(frame.Data)
		}

	case event.TypeUnreadCount:
		frame, err := event.Decode[event.UnreadCountFrame](raw)
		if err != nil {
			s.recordError(fmt.Errorf("未読件数フレームのデコードに失敗: %w", err))
			return
		}
		s.mu.Lock()
		s.unreadCount = frame.Data
		s.mu.Unlock()
	}
	// 未知の種別は前方互換のため無視する
}

// MarkAsRead は指定された通知を既読にする。
// ローカル状態を楽観的に更新してからサーバーへ反映する。サーバー側の
// 失敗時もロールバックせず、次のunreadCountフレームか再読み込みで
// 収束させる（エラーは呼び出し元とOnErrorに通知する）。
func (s *Session) MarkAsRead(ctx context.Context, id string) error {
	s.mu.Lock()
	for i := range s.notifications {
		if s.notifications[i].ID == id && !s.notifications[i].Read {
			s.notifications[i].Read = true
			if s.unreadCount > 0 {
				s.unreadCount--
			}
			break
		}
	}
	s.mu.Unlock()

	path := "/api/v1/notifications/" + url.PathEscape(id) + "/read"
	if err := s.api.PutJSON(ctx, path, nil, nil); err != nil {
		err = fmt.Errorf("通知の既読化に失敗: %w", err)
		s.recordError(err)
		return err
	}
	return nil
}

// MarkAllAsRead は保持中のすべての通知を既読にする。
// 反映の方針はMarkAsReadと同じ。
func (s *Session) MarkAllAsRead(ctx context.Context) error {
	s.mu.Lock()
	for i := range s.notifications {
		s.notifications[i].Read = true
	}
	s.unreadCount = 0
	s.mu.Unlock()

	if err := s.api.PutJSON(ctx, "/api/v1/notifications/read-all", nil, nil); err != nil {
		err = fmt.Errorf("全通知の既読化に失敗: %w", err)
		s.recordError(err)
		return err
	}
	return nil
}

// LoadNotifications はポーリングで通知一覧を取得してローカル状態を更新する。
// ストリーム未接続でも正しい状態を得られる、初期表示時の情報源となる。
// skipが0の場合は一覧を置き換え、それ以外は末尾に追加する（追加読み込み）。
func (s *Session) LoadNotifications(ctx context.Context, limit, skip int64, unreadOnly bool) (FetchResult, error) {
	path := fmt.Sprintf("/api/v1/notifications?limit=%d&skip=%d", limit, skip)
	if unreadOnly {
		path += "&unread=true"
	}

	var result FetchResult
	if err := s.api.GetJSON(ctx, path, &result); err != nil {
		err = fmt.Errorf("通知一覧の取得に失敗: %w", err)
		s.recordError(err)
		return FetchResult{}, err
	}

	s.mu.Lock()
	if skip == 0 {
		s.notifications = result.Notifications
	} else {
		s.notifications = append(s.notifications, result.Notifications...)
	}
	s.unreadCount = result.UnreadCount
	s.mu.Unlock()
	return result, nil
}

// Notifications は保持中の通知一覧のスナップショットを返す。
func (s *Session) Notifications() []event.NotificationPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := make([]event.NotificationPayload, len(s.notifications))
	copy(snapshot, s.notifications)
	return snapshot
}

// UnreadCount は現在の未読件数を返す。
func (s *Session) UnreadCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unreadCount
}

// Status は現在の接続状態を返す。
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// ConnectionID はサーバーが割り当てた接続IDを返す。未接続の場合は空文字列。
func (s *Session) ConnectionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectionID
}

// LastError は最後に発生したエラーを返す。
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// newBackoffPolicy は再接続バックオフのポリシーを生成する。
// base * 2^attempt をcapで頭打ちにした決定的な系列となる。
func (s *Session) newBackoffPolicy() *backoff.ExponentialBackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.cfg.BackoffBase
	policy.RandomizationFactor = 0
	policy.Multiplier = 2
	policy.MaxInterval = s.cfg.BackoffCap
	policy.MaxElapsedTime = 0
	policy.Reset()
	return policy
}

// transition は購読が生きている場合のみ状態を変更する。
// 破棄済みの購読のゴルーチンがDisconnect後の状態を上書きするのを防ぐ。
func (s *Session) transition(ctx context.Context, st Status) {
	if ctx.Err() != nil {
		return
	}
	s.setStatus(st)
}

// setStatus は状態を変更し、変化があればOnStatusChangeを呼び出す。
func (s *Session) setStatus(st Status) {
	s.mu.Lock()
	if s.status == st {
		s.mu.Unlock()
		return
	}
	s.status = st
	cb := s.OnStatusChange
	s.mu.Unlock()
	if cb != nil {
		cb(st)
	}
}

// recordError はエラーを記録し、OnErrorを呼び出す。
func (s *Session) recordError(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	s.lastErr = err
	cb := s.OnError
	s.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}
