package notification

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nao1215/notifystream/pkg/middleware"
)

// handleBufferSize はハンドルごとの送信バッファ長。
// 配信側をブロックさせないため、バッファ満杯は書き込み失敗として扱う。
const handleBufferSize = 16

var (
	// ErrHandleClosed は切断済みハンドルへの書き込みで返されるエラー。
	ErrHandleClosed = errors.New("ハンドルは既に切断されています")
	// ErrHandleBusy は送信バッファが満杯のハンドルへの書き込みで返されるエラー。
	ErrHandleBusy = errors.New("ハンドルの送信バッファが満杯です")
)

// Handle は1つのライブなSSE接続を表す。
// レジストリが生成し、接続のクローズ時に破棄される。
// 受信者をまたいで共有されることはない。
type Handle struct {
	// id はレジストリが割り当てた接続ID（UUID）。
	id string
	// recipient は正規化済みの受信者キー。
	recipient string
	// openedAt は接続が開かれた日時。
	openedAt time.Time
	// frames はストリームエンドポイントが読み取るフレームのバッファ。
	frames chan any
	// closed は登録解除済みかどうか。
	closed atomic.Bool
}

// ID は接続IDを返す。
func (h *Handle) ID() string { return h.id }

// Recipient は正規化済みの受信者キーを返す。
func (h *Handle) Recipient() string { return h.recipient }

// OpenedAt は接続が開かれた日時を返す。
func (h *Handle) OpenedAt() time.Time { return h.openedAt }

// Frames はストリームエンドポイントが配信フレームを読み取るチャネルを返す。
func (h *Handle) Frames() <-chan any { return h.frames }

// push はハンドルへフレームを書き込む。
// ブロックせず、切断済みまたはバッファ満杯の場合はエラーを返す。
// 失敗はこのハンドルに限定され、他のハンドルへの配信には影響しない。
func (h *Handle) push(frame any) error {
	if h.closed.Load() {
		return ErrHandleClosed
	}
	select {
	case h.frames <- frame:
		return nil
	default:
		return ErrHandleBusy
	}
}

// Registry は受信者ごとのライブ接続を管理するプロセス内レジストリ。
// プロセス生存期間のシングルトンとしてサーバーに注入される。
// 接続の開閉は人間のタブ操作程度の頻度のため、全体を1つのミューテックスで
// 直列化する。
type Registry struct {
	// mu はhandlesへのすべてのアクセスを保護する。
	mu sync.Mutex
	// handles は受信者キー → 接続ID → ハンドルのマップ。
	// ハンドルが0件になった受信者のエントリは削除する（空集合を残さない）。
	handles map[string]map[string]*Handle
}

// NewRegistry は新しい接続レジストリを生成する。
func NewRegistry() *Registry {
	return &Registry{
		handles: make(map[string]map[string]*Handle),
	}
}

// Register は受信者の新しい接続ハンドルを生成して登録する。
// 受信者キーは正規化され、接続IDはUUIDとして採番される。
func (r *Registry) Register(recipient string) *Handle {
	h := &Handle{
		id:        uuid.New().String(),
		recipient: middleware.NormalizeRecipient(recipient),
		openedAt:  time.Now(),
		frames:    make(chan any, handleBufferSize),
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.handles[h.recipient]
	if !ok {
		set = make(map[string]*Handle)
		r.handles[h.recipient] = set
	}
	set[h.id] = h
	return h
}

// Unregister は指定された接続ハンドルを登録解除する。
// 最後のハンドルが解除された受信者のエントリはマップから削除する。
// 未知の受信者・接続IDや二重解除は何もしない（エラーにしない）。
func (r *Registry) Unregister(recipient, connectionID string) {
	key := middleware.NormalizeRecipient(recipient)

	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.handles[key]
	if !ok {
		return
	}
	h, ok := set[connectionID]
	if !ok {
		return
	}
	h.closed.Store(true)
	delete(set, connectionID)
	if len(set) == 0 {
		delete(r.handles, key)
	}
}

// HandlesFor は受信者のライブ接続ハンドルのスナップショットを返す。
// 接続がない場合は空スライスを返す（nilにはならない）。
func (r *Registry) HandlesFor(recipient string) []*Handle {
	key := middleware.NormalizeRecipient(recipient)

	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.handles[key]
	snapshot := make([]*Handle, 0, len(set))
	for _, h := range set {
		snapshot = append(snapshot, h)
	}
	return snapshot
}

// RegistryStats はレジストリの統計情報。監視用。
type RegistryStats struct {
	// Recipients はライブ接続を1つ以上持つ受信者の数。
	Recipients int
	// Connections はライブ接続の総数。
	Connections int
}

// Stats はレジストリの統計情報を返す。
func (r *Registry) Stats() RegistryStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := RegistryStats{Recipients: len(r.handles)}
	for _, set := range r.handles {
		stats.Connections += len(set)
	}
	return stats
}
