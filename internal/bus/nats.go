package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hitoshi/japinait/internal/model"
	"github.com/nats-io/nats.go"
)

// SubjectPrefix はセッション通知のNATSサブジェクト接頭辞。
const SubjectPrefix = "japinait.auth."

// Subject はユーザー宛て通知のサブジェクトを返す。
func Subject(userID string) string {
	return SubjectPrefix + userID
}

// NATSBus はNATS経由で通知を配信し、受信した通知をローカルのHubへ中継する。
type NATSBus struct {
	conn *nats.Conn
	hub  *Hub
	sub  *nats.Subscription
}

// NewNATS はNATSへ接続し、全ユーザーの通知をhubへ中継する購読を開始する。
func NewNATS(url string, hub *Hub, opts ...nats.Option) (*NATSBus, error) {
	opts = append([]nats.Option{
		nats.Name("japinait-gateway"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("nats disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("nats reconnected", slog.String("url", c.ConnectedUrl()))
		}),
	}, opts...)

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	b := &NATSBus{conn: nc, hub: hub}
	sub, err := nc.Subscribe(SubjectPrefix+"*", b.relay)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to subscribe %s*: %w", SubjectPrefix, err)
	}
	b.sub = sub

	slog.Info("nats bus connected", slog.String("url", nc.ConnectedUrl()))
	return b, nil
}

// Publish は通知をJSONにしてユーザーのサブジェクトへ送る。
func (b *NATSBus) Publish(_ context.Context, event model.SessionEvent) error {
	if b == nil || b.conn == nil {
		return errors.New("nil bus")
	}
	if event.UserID == "" {
		return errors.New("session event without user id")
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal session event: %w", err)
	}
	return b.conn.Publish(Subject(event.UserID), data)
}

func (b *NATSBus) relay(msg *nats.Msg) {
	event, err := decodeEvent(msg.Subject, msg.Data)
	if err != nil {
		slog.Warn("discarding malformed session event",
			slog.String("subject", msg.Subject),
			slog.String("error", err.Error()),
		)
		return
	}
	_ = b.hub.Publish(context.Background(), event)
}

// decodeEvent はサブジェクトと本文のユーザーIDが一致する通知だけを受け付ける。
func decodeEvent(subject string, data []byte) (model.SessionEvent, error) {
	var event model.SessionEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return event, err
	}
	userID := strings.TrimPrefix(subject, SubjectPrefix)
	if event.UserID != userID {
		return event, fmt.Errorf("user id mismatch: subject=%s body=%s", userID, event.UserID)
	}
	return event, nil
}

// Close は購読を解除して接続を閉じる。
func (b *NATSBus) Close() {
	if b == nil || b.conn == nil {
		return
	}
	if b.sub != nil {
		_ = b.sub.Unsubscribe()
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
	}
}
