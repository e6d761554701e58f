// Package bus はセッション変更通知の配信を提供する。
// Hub はプロセス内のSSE購読者へ配信し、NATSBus は複数インスタンス間で中継する。
package bus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/hitoshi/japinait/internal/model"
)

// subscriberBuffer は購読者ごとのバッファ数。溢れた通知は捨てる。
const subscriberBuffer = 16

// Hub はユーザーIDごとの購読者に通知をファンアウトする。
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*subscriber]struct{}
	closed bool
}

type subscriber struct {
	ch chan model.SessionEvent
}

// NewHub はHubを生成する。
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*subscriber]struct{})}
}

// Subscribe はuserID宛ての通知を受け取るチャネルと解除関数を返す。
// 解除関数は何度呼んでもよい。
func (h *Hub) Subscribe(userID string) (<-chan model.SessionEvent, func()) {
	s := &subscriber{ch: make(chan model.SessionEvent, subscriberBuffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(s.ch)
		return s.ch, func() {}
	}
	if h.subs[userID] == nil {
		h.subs[userID] = make(map[*subscriber]struct{})
	}
	h.subs[userID][s] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if set, ok := h.subs[userID]; ok {
				if _, ok := set[s]; ok {
					delete(set, s)
					close(s.ch)
				}
				if len(set) == 0 {
					delete(h.subs, userID)
				}
			}
		})
	}
}

// Publish は購読者へ通知を配信する。受信が詰まっている購読者には配信しない。
func (h *Hub) Publish(_ context.Context, event model.SessionEvent) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for s := range h.subs[event.UserID] {
		select {
		case s.ch <- event:
		default:
			slog.Warn("dropping session event for slow subscriber",
				slog.String("user_id", event.UserID),
				slog.String("type", string(event.Type)),
			)
		}
	}
	return nil
}

// Subscribers はuserIDの購読者数を返す。
func (h *Hub) Subscribers(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[userID])
}

// Close はすべての購読を終了する。
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for userID, set := range h.subs {
		for s := range set {
			close(s.ch)
		}
		delete(h.subs, userID)
	}
}
