package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"mime"
	"net"
	"net/smtp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/fastcgi-cache-warden/internal/config"
)

// MailSubject is the subject of completion mail.
const MailSubject = "Cache Warden Report"

var mailTemplate = template.Must(template.New("mail").Parse(`<!DOCTYPE html>
<html>
<body style="font-family: sans-serif;">
  <h2>{{.Domain}}</h2>
  <p>{{.Message}}</p>
  <p>Elapsed time: <strong>{{.Elapsed}}</strong></p>
</body>
</html>
`))

// SendFunc matches smtp.SendMail.
type SendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Mailer sends completion mail over SMTP.
type Mailer struct {
	cfg    config.MailConfig
	domain string
	send   SendFunc
	logger *zap.Logger
}

// NewMailer builds a Mailer for siteURL. send may be nil to use
// smtp.SendMail.
func NewMailer(cfg config.MailConfig, siteURL string, send SendFunc, logger *zap.Logger) *Mailer {
	if send == nil {
		send = smtp.SendMail
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mailer{cfg: cfg, domain: Domain(siteURL), send: send, logger: logger.Named("mail")}
}

// Enabled reports whether mail will actually be sent. Mail is never sent to
// the placeholder recipient.
func (m *Mailer) Enabled() bool {
	to := strings.TrimSpace(m.cfg.To)
	return m.cfg.Enabled && to != "" && to != config.PlaceholderEmail && m.cfg.SMTPAddr != ""
}

// Notify implements Notifier. A disabled mailer is a silent no-op.
func (m *Mailer) Notify(ctx context.Context, message, elapsed string) error {
	if !m.Enabled() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	msg, err := m.render(message, elapsed, time.Now())
	if err != nil {
		return err
	}
	var auth smtp.Auth
	if m.cfg.Username != "" {
		host, _, splitErr := net.SplitHostPort(m.cfg.SMTPAddr)
		if splitErr != nil {
			return fmt.Errorf("smtp address %q: %w", m.cfg.SMTPAddr, splitErr)
		}
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, host)
	}
	if err := m.send(m.cfg.SMTPAddr, auth, m.from(), []string{m.cfg.To}, msg); err != nil {
		return fmt.Errorf("send completion mail: %w", err)
	}
	m.logger.Info("completion mail sent", zap.String("to", m.cfg.To))
	return nil
}

func (m *Mailer) from() string {
	if m.cfg.From != "" {
		return m.cfg.From
	}
	if m.domain == "" {
		return "cachewarden-no-reply@localhost"
	}
	return "cachewarden-no-reply@" + m.domain
}

func (m *Mailer) render(message, elapsed string, now time.Time) ([]byte, error) {
	var body bytes.Buffer
	err := mailTemplate.Execute(&body, struct {
		Domain, Message, Elapsed string
	}{m.domain, message, elapsed})
	if err != nil {
		return nil, fmt.Errorf("render mail: %w", err)
	}
	if m.cfg.To == "" {
		return nil, errors.New("mail recipient is empty")
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", m.from())
	fmt.Fprintf(&buf, "To: %s\r\n", m.cfg.To)
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", MailSubject))
	fmt.Fprintf(&buf, "Date: %s\r\n", now.Format(time.RFC1123Z))
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/html; charset=UTF-8\r\n\r\n")
	buf.Write(body.Bytes())
	return buf.Bytes(), nil
}
