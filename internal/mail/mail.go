// Package mail はパスワード再設定メールの送信を提供する。
package mail

import (
	"context"
	"fmt"
	"html"
	"log/slog"

	"github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"
)

const recoverySubject = "パスワード再設定のご案内"

// sendFunc はSendGrid APIへの送信。ステータスコードとレスポンス本文を返す。
type sendFunc func(ctx context.Context, msg *sgmail.SGMailV3) (int, string, error)

// SendGridMailer はSendGrid経由でメールを送信する。
type SendGridMailer struct {
	from *sgmail.Email
	send sendFunc
}

// NewSendGridMailer はSendGridMailerを生成する。
func NewSendGridMailer(apiKey, from string) *SendGridMailer {
	client := sendgrid.NewSendClient(apiKey)
	return &SendGridMailer{
		from: sgmail.NewEmail("japinait", from),
		send: func(ctx context.Context, msg *sgmail.SGMailV3) (int, string, error) {
			resp, err := client.SendWithContext(ctx, msg)
			if err != nil {
				return 0, "", err
			}
			return resp.StatusCode, resp.Body, nil
		},
	}
}

// SendRecovery は再設定リンクを含むメールを送信する。
// 2xx以外のステータスはエラーとして扱う。
func (m *SendGridMailer) SendRecovery(ctx context.Context, to, link string) error {
	msg := sgmail.NewSingleEmail(m.from, recoverySubject, sgmail.NewEmail("", to),
		recoveryText(link), recoveryHTML(link))

	status, body, err := m.send(ctx, msg)
	if err != nil {
		return fmt.Errorf("failed to send recovery mail: %w", err)
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("sendgrid returned status %d: %s", status, body)
	}

	slog.Debug("recovery mail accepted", slog.Int("status", status))
	return nil
}

// LogMailer はメールを送信せずログに出力する。開発環境用。
type LogMailer struct{}

// SendRecovery はリンクをログに出力する。
func (LogMailer) SendRecovery(_ context.Context, to, link string) error {
	slog.Info("recovery mail (not sent)",
		slog.String("to", to),
		slog.String("link", link),
	)
	return nil
}

func recoveryText(link string) string {
	return "以下のリンクからパスワードを再設定してください。\n\n" + link +
		"\n\n心当たりがない場合はこのメールを破棄してください。"
}

func recoveryHTML(link string) string {
	escaped := html.EscapeString(link)
	return `<p>以下のリンクからパスワードを再設定してください。</p>` +
		`<p><a href="` + escaped + `">` + escaped + `</a></p>` +
		`<p>心当たりがない場合はこのメールを破棄してください。</p>`
}
