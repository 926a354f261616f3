package notification

import (
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"github.com/nao1215/notifystream/pkg/event"
	"github.com/nao1215/notifystream/pkg/middleware"
)

// defaultHeartbeatInterval はハートビートの既定間隔。
// 中間のプロキシやロードバランサーにアイドル接続として切断されない
// ように、この間隔でコメントフレームを送信する。
const defaultHeartbeatInterval = 30 * time.Second

// endpointState はストリームエンドポイントの状態。
// Opening → Open → Closed の一方向にのみ遷移する。
type endpointState int

const (
	// stateOpening は接続確立中（レジストリ登録前）。
	stateOpening endpointState = iota
	// stateOpen は登録済みで配信中。
	stateOpen
	// stateClosed は終端状態。登録解除済み。
	stateClosed
)

// streamEndpoint は1つのSSE接続のライフサイクルを管理する。
// どの経路でクローズしてもレジストリからの登録解除とハートビートの
// 停止がちょうど1回だけ実行される。
type streamEndpoint struct {
	// registry は接続レジストリ。
	registry *Registry
	// handle はこの接続のハンドル。
	handle *Handle
	// state は現在の状態。エンドポイントのゴルーチンのみが更新する。
	state endpointState
	// closeOnce はクリーンアップをちょうど1回に制限する。
	closeOnce sync.Once
}

// close はエンドポイントを終端状態に遷移させ、登録を解除する。
// 複数回呼び出しても2回目以降は何もしない。
func (e *streamEndpoint) close() {
	e.closeOnce.Do(func() {
		e.state = stateClosed
		e.registry.Unregister(e.handle.Recipient(), e.handle.ID())
	})
}

// writeFrame はSSEデータフレームとしてペイロードを書き込みフラッシュする。
func writeFrame(w gin.ResponseWriter, payload any) error {
	if err := sse.Encode(w, sse.Event{Data: payload}); err != nil {
		return fmt.Errorf("ストリームへの書き込みに失敗: %w", err)
	}
	w.Flush()
	return nil
}

// writeHeartbeat はSSEコメントフレームを書き込みフラッシュする。
// クライアントのパーサーはコメント行を無視する。
func writeHeartbeat(w gin.ResponseWriter) error {
	if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
		return fmt.Errorf("ハートビートの書き込みに失敗: %w", err)
	}
	w.Flush()
	return nil
}

// handleStream はSSEストリーム接続のハンドラを返す。
// 認証済みの受信者のみ接続でき、認証がない場合はストリームを構築する
// 前に拒否する（部分的な登録を残さない）。
func (s *Server) handleStream() gin.HandlerFunc {
	return func(c *gin.Context) {
		recipient := middleware.GetRecipient(c)
		if recipient == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "受信者の識別情報が取得できません"})
			return
		}

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")
		c.Writer.WriteHeader(http.StatusOK)

		ep := &streamEndpoint{
			registry: s.registry,
			state:    stateOpening,
		}
		ep.handle = s.registry.Register(recipient)
		ep.state = stateOpen
		defer ep.close()
		s.metrics.IncStreamOpened()

		// 割り当てた接続IDを最初のフレームでクライアントへ通知する
		if err := writeFrame(c.Writer, event.NewConnectionFrame(ep.handle.ID())); err != nil {
			log.Printf("接続フレームの送信に失敗 connection=%s: %v", ep.handle.ID(), err)
			return
		}

		ticker := time.NewTicker(s.heartbeat)
		defer ticker.Stop()

		ctx := c.Request.Context()
		for {
			select {
			case <-ctx.Done():
				// クライアント切断または明示的なキャンセル
				return
			case frame := <-ep.handle.Frames():
				if err := writeFrame(c.Writer, frame); err != nil {
					log.Printf("フレームの送信に失敗 connection=%s: %v", ep.handle.ID(), err)
					s.metrics.IncWriteFailure()
					return
				}
			case <-ticker.C:
				if err := writeHeartbeat(c.Writer); err != nil {
					log.Printf("ハートビートの送信に失敗 connection=%s: %v", ep.handle.ID(), err)
					s.metrics.IncWriteFailure()
					return
				}
			}
		}
	}
}
