package notification

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	_ "modernc.org/sqlite"

	"github.com/nao1215/notifystream/pkg/event"
	"github.com/nao1215/notifystream/pkg/middleware"
)

// Server はリアルタイム通知サービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// db はSQLiteデータベース接続。
	db *sql.DB
	// store は通知の永続化層。
	store *Store
	// registry はプロセス内の接続レジストリ。プロセス生存期間のシングルトン。
	registry *Registry
	// dispatcher は通知の永続化とファンアウトを行う。
	dispatcher *Dispatcher
	// metrics はPrometheusメトリクス。
	metrics *Metrics
	// heartbeat はストリーム接続のハートビート間隔。
	heartbeat time.Duration
}

// NewServer は新しい通知サーバーを生成する。
// SQLiteデータベースの初期化とスキーマ作成を行う。
func NewServer(port string) (*Server, error) {
	dsn := os.Getenv("NOTIFYSTREAM_DB")
	if dsn == "" {
		dsn = "/data/notifystream.db?_journal_mode=WAL&_busy_timeout=5000"
	}

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}

	if err := initSchema(sqlDB); err != nil {
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}

	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(gin.Logger())

	frontendURL := os.Getenv("FRONTEND_URL")
	if frontendURL == "" {
		frontendURL = "http://localhost:3000"
	}
	router.Use(middleware.CORS([]string{frontendURL}))

	heartbeat := defaultHeartbeatInterval
	if v := os.Getenv("HEARTBEAT_INTERVAL_SEC"); v != "" {
		if sec, err := strconv.Atoi(v); err == nil && sec > 0 {
			heartbeat = time.Duration(sec) * time.Second
		}
	}

	store := NewStore(sqlDB)
	registry := NewRegistry()
	metrics := NewMetrics(registry)

	s := &Server{
		router:     router,
		port:       port,
		db:         sqlDB,
		store:      store,
		registry:   registry,
		dispatcher: NewDispatcher(store, registry, metrics),
		metrics:    metrics,
		heartbeat:  heartbeat,
	}
	s.setupRoutes()

	return s, nil
}

// Run はHTTPサーバーを起動する。
func (s *Server) Run() error {
	return s.router.Run(fmt.Sprintf(":%s", s.port))
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		jwtSecret = "dev-secret-key"
	}

	api := s.router.Group("/api/v1")
	api.Use(middleware.JWTAuth(jwtSecret))
	{
		notifications := api.Group("/notifications")
		{
			// 通知一覧取得（limit/skip/unreadフィルタ）
			notifications.GET("", s.handleList())
			// SSEストリーム接続
			notifications.GET("/stream", s.handleStream())
			// 通知を既読にする
			notifications.PUT("/:id/read", s.handleMarkAsRead())
			// 全通知を既読にする
			notifications.PUT("/read-all", s.handleMarkAllAsRead())
		}

		// 通知送信（内部API - 管理画面の各操作や請求書生成バッチから呼び出される）
		internal := api.Group("/internal")
		{
			internal.POST("/send", s.handleSend())
		}
	}

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "notifystream"})
	})

	// Prometheusメトリクス
	s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
}

// listResponse は通知一覧のJSONレスポンス構造。
type listResponse struct {
	// Notifications は通知の一覧（新しい順）。
	Notifications []event.NotificationPayload `json:"notifications"`
	// Pagination はページネーション情報。
	Pagination paginationMeta `json:"pagination"`
	// UnreadCount は現在の未読件数。
	UnreadCount int64 `json:"unreadCount"`
}

// paginationMeta はページネーションのメタデータ。
type paginationMeta struct {
	// Total はフィルタ適用後の総件数。
	Total int64 `json:"total"`
	// Limit は1ページの最大件数。
	Limit int64 `json:"limit"`
	// Skip は読み飛ばした件数。
	Skip int64 `json:"skip"`
}

// parsePagination はクエリパラメータからlimit/skipを取得する。
// limitは1〜100の範囲に丸める。
func parsePagination(c *gin.Context) (limit, skip int64) {
	limit = 20
	if v, err := strconv.ParseInt(c.Query("limit"), 10, 64); err == nil && v > 0 {
		limit = min(v, 100)
	}
	if v, err := strconv.ParseInt(c.Query("skip"), 10, 64); err == nil && v > 0 {
		skip = v
	}
	return limit, skip
}

// handleList は認証済み受信者の通知一覧を返すハンドラ。
// ストリーム未接続でも正しい状態を取得できる、初期表示時の情報源となる。
func (s *Server) handleList() gin.HandlerFunc {
	return func(c *gin.Context) {
		recipient := middleware.GetRecipient(c)
		if recipient == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "受信者の識別情報が取得できません"})
			return
		}

		limit, skip := parsePagination(c)
		unreadOnly := c.Query("unread") == "true"

		notifications, total, err := s.store.List(c.Request.Context(), recipient, limit, skip, unreadOnly)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "通知一覧の取得に失敗しました"})
			log.Printf("通知一覧取得エラー: %v", err)
			return
		}

		unreadCount, err := s.store.CountUnread(c.Request.Context(), recipient)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "未読件数の取得に失敗しました"})
			log.Printf("未読件数取得エラー: %v", err)
			return
		}

		payloads := make([]event.NotificationPayload, 0, len(notifications))
		for _, n := range notifications {
			payloads = append(payloads, n.Payload())
		}

		c.JSON(http.StatusOK, listResponse{
			Notifications: payloads,
			Pagination:    paginationMeta{Total: total, Limit: limit, Skip: skip},
			UnreadCount:   unreadCount,
		})
	}
}

// handleMarkAsRead は指定された通知を既読にするハンドラ。
// 成功後、受信者の全ライブ接続へ最新の未読件数を配信する。
func (s *Server) handleMarkAsRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		recipient := middleware.GetRecipient(c)
		if recipient == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "受信者の識別情報が取得できません"})
			return
		}

		notificationID := c.Param("id")
		if notificationID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "通知IDが必要です"})
			return
		}

		// 通知の存在確認と所有者チェック
		n, err := s.store.GetByID(c.Request.Context(), notificationID)
		if err != nil {
			if errors.Is(err, ErrNotificationNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "通知が見つかりません"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "通知の取得に失敗しました"})
			log.Printf("通知取得エラー: %v", err)
			return
		}
		if n.Recipient != middleware.NormalizeRecipient(recipient) {
			c.JSON(http.StatusForbidden, gin.H{"error": "この通知を操作する権限がありません"})
			return
		}

		if err := s.store.MarkAsRead(c.Request.Context(), notificationID, recipient); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "通知の既読処理に失敗しました"})
			log.Printf("通知既読処理エラー: %v", err)
			return
		}

		s.pushUnreadCount(c, recipient)
		c.JSON(http.StatusOK, gin.H{"message": "通知を既読にしました"})
	}
}

// handleMarkAllAsRead は認証済み受信者の全通知を既読にするハンドラ。冪等。
func (s *Server) handleMarkAllAsRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		recipient := middleware.GetRecipient(c)
		if recipient == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "受信者の識別情報が取得できません"})
			return
		}

		if err := s.store.MarkAllAsRead(c.Request.Context(), recipient); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "全通知の既読処理に失敗しました"})
			log.Printf("全通知既読処理エラー: %v", err)
			return
		}

		s.pushUnreadCount(c, recipient)
		c.JSON(http.StatusOK, gin.H{"message": "全通知を既読にしました"})
	}
}

// pushUnreadCount は既読化後の未読件数配信の共通処理。
// 配信失敗はリクエストの成否に影響させず、ログにのみ記録する。
func (s *Server) pushUnreadCount(c *gin.Context, recipient string) {
	if err := s.dispatcher.PushUnreadCount(c.Request.Context(), recipient); err != nil {
		// 次の配信かリロードで収束するため致命的ではない
		log.Printf("未読件数の配信に失敗 recipient=%s: %v", recipient, err)
	}
}

// sendRequest は通知送信リクエストのJSON構造。
type sendRequest struct {
	// Recipient は通知先の受信者キー（メールアドレス）。
	Recipient string `json:"recipient" binding:"required"`
	// Title は通知のタイトル。
	Title string `json:"title" binding:"required"`
	// Message は通知メッセージ。
	Message string `json:"message" binding:"required"`
}

// handleSend は通知を作成し受信者のライブ接続へ配信するハンドラ。
// 内部API（管理画面の承認フローや請求書生成バッチから呼び出される）。
// 送信者情報は呼び出し元のJWTクレームから配信時点で解決する。
func (s *Server) handleSend() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req sendRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		n, err := s.dispatcher.Dispatch(c.Request.Context(), CreateNotificationParams{
			Recipient:    req.Recipient,
			SenderID:     middleware.GetUserID(c),
			SenderName:   middleware.GetName(c),
			SenderAvatar: middleware.GetProfilePicture(c),
			Title:        req.Title,
			Message:      req.Message,
		})
		if err != nil {
			// 永続化に失敗した通知は配信されない。呼び出し元に明示的に失敗を返す。
			c.JSON(http.StatusInternalServerError, gin.H{"error": "通知の作成に失敗しました"})
			log.Printf("通知作成エラー: %v", err)
			return
		}

		c.JSON(http.StatusCreated, gin.H{
			"id":      n.ID,
			"message": "通知を送信しました",
		})
	}
}
