package notification

import (
	"context"
	"fmt"
	"log"

	"github.com/nao1215/notifystream/pkg/event"
)

// StoreAccessor はディスパッチャが依存する永続化操作の境界。
// 本番ではStoreが実装するが、テストでは失敗を注入できる。
type StoreAccessor interface {
	// Create は通知レコードを永続化して返す。
	Create(ctx context.Context, p CreateNotificationParams) (Notification, error)
	// CountUnread は受信者の未読通知件数を返す。
	CountUnread(ctx context.Context, recipient string) (int64, error)
}

// Dispatcher は通知の永続化とライブ接続へのファンアウトを行う。
// 永続化が成功してから配信する。配信はハンドルごとのベストエフォートで、
// 一部のハンドルへの書き込み失敗は他のハンドルへの配信を妨げない。
type Dispatcher struct {
	// store は通知の永続化先。
	store StoreAccessor
	// registry はライブ接続のレジストリ。
	registry *Registry
	// metrics は配信メトリクス。nilの場合は記録しない。
	metrics *Metrics
}

// NewDispatcher は新しいディスパッチャを生成する。
func NewDispatcher(store StoreAccessor, registry *Registry, metrics *Metrics) *Dispatcher {
	return &Dispatcher{store: store, registry: registry, metrics: metrics}
}

// Dispatch は通知を永続化し、受信者の全ライブ接続へ配信する。
// 永続化に失敗した場合は配信を行わずエラーを返す（揮発性のみの通知を
// 作らない）。永続化後の配信失敗はレコードに影響せず、ポーリングAPIで
// 取得可能なまま残る。
func (d *Dispatcher) Dispatch(ctx context.Context, p CreateNotificationParams) (Notification, error) {
	n, err := d.store.Create(ctx, p)
	if err != nil {
		return Notification{}, fmt.Errorf("通知の永続化に失敗: %w", err)
	}

	frame := event.NewNotificationFrame(n.Payload())
	for _, h := range d.registry.HandlesFor(n.Recipient) {
		if err := h.push(frame); err != nil {
			log.Printf("通知フレームの配信に失敗 connection=%s: %v", h.ID(), err)
			d.metrics.IncWriteFailure()
		}
	}
	d.metrics.IncDispatched()

	// 全タブの未読件数を揃える。失敗しても通知自体は永続化済みのため
	// ディスパッチは成功として扱う。
	if err := d.PushUnreadCount(ctx, n.Recipient); err != nil {
		log.Printf("未読件数の配信に失敗 recipient=%s: %v", n.Recipient, err)
	}
	return n, nil
}

// PushUnreadCount は受信者の未読件数を再計算し、全ライブ接続へ配信する。
// ディスパッチ後と既読化の後に呼び出され、同じ受信者の全タブ・全デバイスが
// 同じ件数に収束する。既読化を発行した接続自身にも配信される。
func (d *Dispatcher) PushUnreadCount(ctx context.Context, recipient string) error {
	count, err := d.store.CountUnread(ctx, recipient)
	if err != nil {
		return fmt.Errorf("未読件数の取得に失敗: %w", err)
	}

	frame := event.NewUnreadCountFrame(count)
	for _, h := range d.registry.HandlesFor(recipient) {
		if err := h.push(frame); err != nil {
			log.Printf("未読件数フレームの配信に失敗 connection=%s: %v", h.ID(), err)
			d.metrics.IncWriteFailure()
		}
	}
	return nil
}
