package nodes

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
)

// SMTPSender delivers notification emails over plain SMTP with optional
// PLAIN auth. It is the default Mailer wired by the dispatch container.
type SMTPSender struct{}

func (SMTPSender) Send(ctx context.Context, msg EmailMessage) error {
	if msg.Server == "" {
		return fmt.Errorf("smtp_server is required")
	}
	if msg.From == "" {
		return fmt.Errorf("from_email is required")
	}

	addr := fmt.Sprintf("%s:%d", msg.Server, msg.Port)

	var auth smtp.Auth
	if msg.Username != "" {
		auth = smtp.PlainAuth("", msg.Username, msg.Password, msg.Server)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", msg.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(msg.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(msg.Body)

	done := make(chan error, 1)
	go func() {
		done <- smtp.SendMail(addr, auth, msg.From, msg.To, []byte(b.String()))
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("smtp send: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
