package mail

import (
	"context"
	"errors"
	"strings"
	"testing"

	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"
)

func newTestMailer(fn sendFunc) *SendGridMailer {
	return &SendGridMailer{from: sgmail.NewEmail("japinait", "no-reply@example.com"), send: fn}
}

func TestSendRecovery_BuildsMessage(t *testing.T) {
	var got *sgmail.SGMailV3
	m := newTestMailer(func(_ context.Context, msg *sgmail.SGMailV3) (int, string, error) {
		got = msg
		return 202, "", nil
	})

	link := "http://gateway.local/auth/v1/verify?type=recovery&token=abc"
	if err := m.SendRecovery(context.Background(), "ana@example.com", link); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if got == nil {
		t.Fatal("expected message to be sent")
	}
	if got.Subject != recoverySubject {
		t.Errorf("Subject = %q", got.Subject)
	}
	if len(got.Personalizations) != 1 || got.Personalizations[0].To[0].Address != "ana@example.com" {
		t.Errorf("unexpected recipients: %+v", got.Personalizations)
	}
	var plain, htmlBody string
	for _, c := range got.Content {
		switch c.Type {
		case "text/plain":
			plain = c.Value
		case "text/html":
			htmlBody = c.Value
		}
	}
	if !strings.Contains(plain, link) {
		t.Errorf("plain body should contain link: %q", plain)
	}
	if !strings.Contains(htmlBody, "&amp;token=abc") {
		t.Errorf("html body should contain escaped link: %q", htmlBody)
	}
}

func TestSendRecovery_Non2xxIsError(t *testing.T) {
	m := newTestMailer(func(_ context.Context, _ *sgmail.SGMailV3) (int, string, error) {
		return 401, `{"errors":[{"message":"bad key"}]}`, nil
	})

	err := m.SendRecovery(context.Background(), "ana@example.com", "http://x")
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestSendRecovery_TransportError(t *testing.T) {
	m := newTestMailer(func(_ context.Context, _ *sgmail.SGMailV3) (int, string, error) {
		return 0, "", errors.New("dial tcp: timeout")
	})

	if err := m.SendRecovery(context.Background(), "ana@example.com", "http://x"); err == nil {
		t.Fatal("expected error")
	}
}

func TestLogMailer_NeverFails(t *testing.T) {
	if err := (LogMailer{}).SendRecovery(context.Background(), "ana@example.com", "http://x"); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}
