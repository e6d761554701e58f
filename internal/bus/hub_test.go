package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/japinait/internal/model"
)

func receive(t *testing.T, ch <-chan model.SessionEvent) model.SessionEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return model.SessionEvent{}
}

func TestHub_DeliversToMatchingUserOnly(t *testing.T) {
	hub := NewHub()
	aliceCh, cancelA := hub.Subscribe("alice")
	defer cancelA()
	bobCh, cancelB := hub.Subscribe("bob")
	defer cancelB()

	_ = hub.Publish(context.Background(), model.SessionEvent{Type: model.EventSignedOut, UserID: "alice"})

	ev := receive(t, aliceCh)
	if ev.Type != model.EventSignedOut {
		t.Errorf("Type = %s, want SIGNED_OUT", ev.Type)
	}
	select {
	case ev := <-bobCh:
		t.Fatalf("bob should not receive alice's event: %+v", ev)
	default:
	}
}

func TestHub_FanOutToAllSubscribersOfUser(t *testing.T) {
	hub := NewHub()
	ch1, c1 := hub.Subscribe("alice")
	defer c1()
	ch2, c2 := hub.Subscribe("alice")
	defer c2()

	_ = hub.Publish(context.Background(), model.SessionEvent{Type: model.EventUserUpdated, UserID: "alice"})

	receive(t, ch1)
	receive(t, ch2)
}

func TestHub_CancelClosesChannelAndIsIdempotent(t *testing.T) {
	hub := NewHub()
	ch, cancel := hub.Subscribe("alice")
	cancel()
	cancel()

	if _, ok := <-ch; ok {
		t.Error("expected channel to be closed")
	}
	if n := hub.Subscribers("alice"); n != 0 {
		t.Errorf("Subscribers = %d, want 0", n)
	}
}

func TestHub_SlowSubscriberDoesNotBlock(t *testing.T) {
	hub := NewHub()
	_, cancel := hub.Subscribe("alice")
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*2; i++ {
			_ = hub.Publish(context.Background(), model.SessionEvent{Type: model.EventTokenRefreshed, UserID: "alice"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
}

func TestHub_CloseEndsSubscriptions(t *testing.T) {
	hub := NewHub()
	ch, cancel := hub.Subscribe("alice")
	hub.Close()
	cancel()

	if _, ok := <-ch; ok {
		t.Error("expected channel to be closed")
	}

	late, _ := hub.Subscribe("alice")
	if _, ok := <-late; ok {
		t.Error("subscribe after close should return a closed channel")
	}
}

func TestHub_ConcurrentPublishAndCancel(t *testing.T) {
	hub := NewHub()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		ch, cancel := hub.Subscribe("alice")
		go func() {
			defer wg.Done()
			for range ch {
			}
		}()
		go func() {
			defer wg.Done()
			_ = hub.Publish(context.Background(), model.SessionEvent{UserID: "alice"})
			cancel()
		}()
	}
	wg.Wait()
}
