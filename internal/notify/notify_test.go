package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/smtp"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/fastcgi-cache-warden/internal/config"
	"github.com/JakeFAU/fastcgi-cache-warden/internal/publisher/memory"
)

type sentMail struct {
	addr string
	auth smtp.Auth
	from string
	to   []string
	msg  string
}

func recordSend(out *[]sentMail) SendFunc {
	return func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		*out = append(*out, sentMail{addr: addr, auth: a, from: from, to: to, msg: string(msg)})
		return nil
	}
}

func TestMailerSkipsPlaceholderAndDisabled(t *testing.T) {
	t.Parallel()

	cases := map[string]config.MailConfig{
		"disabled":    {Enabled: false, To: "ops@example.org", SMTPAddr: "localhost:25"},
		"placeholder": {Enabled: true, To: config.PlaceholderEmail, SMTPAddr: "localhost:25"},
		"no server":   {Enabled: true, To: "ops@example.org"},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			var sent []sentMail
			m := NewMailer(cfg, "https://www.example.com", recordSend(&sent), nil)
			require.NoError(t, m.Notify(context.Background(), "done", "unavailable"))
			require.Empty(t, sent)
		})
	}
}

func TestMailerSends(t *testing.T) {
	t.Parallel()

	var sent []sentMail
	cfg := config.MailConfig{
		Enabled:  true,
		To:       "ops@example.org",
		SMTPAddr: "smtp.example.org:587",
		Username: "user",
		Password: "secret",
	}
	m := NewMailer(cfg, "https://www.example.com", recordSend(&sent), nil)
	require.NoError(t, m.Notify(context.Background(), "SUCCESS: Cache preload is completed", "0 hours, 2 minutes, and 5 seconds"))

	require.Len(t, sent, 1)
	require.Equal(t, "smtp.example.org:587", sent[0].addr)
	require.NotNil(t, sent[0].auth)
	require.Equal(t, "cachewarden-no-reply@example.com", sent[0].from)
	require.Equal(t, []string{"ops@example.org"}, sent[0].to)
	require.Contains(t, sent[0].msg, "Content-Type: text/html; charset=UTF-8")
	require.Contains(t, sent[0].msg, "0 hours, 2 minutes, and 5 seconds")
	require.Contains(t, sent[0].msg, "<h2>example.com</h2>")
}

func TestMailerEscapesMessage(t *testing.T) {
	t.Parallel()

	var sent []sentMail
	cfg := config.MailConfig{Enabled: true, To: "ops@example.org", SMTPAddr: "localhost:25", From: "warden@example.org"}
	m := NewMailer(cfg, "https://example.com", recordSend(&sent), nil)
	require.NoError(t, m.Notify(context.Background(), "<script>x</script>", "1"))
	require.Len(t, sent, 1)
	require.Nil(t, sent[0].auth)
	require.Equal(t, "warden@example.org", sent[0].from)
	require.False(t, strings.Contains(sent[0].msg, "<script>"))
}

func TestMultiRunsAllAndJoinsErrors(t *testing.T) {
	t.Parallel()

	first := errors.New("first")
	var calls int
	m := Multi{
		Func(func(context.Context, string, string) error { calls++; return first }),
		nil,
		NewLog(nil),
		Func(func(context.Context, string, string) error { calls++; return nil }),
	}
	err := m.Notify(context.Background(), "msg", "elapsed")
	require.ErrorIs(t, err, first)
	require.Equal(t, 2, calls)
}

func TestEventsPublishesCompletion(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	n := NewEvents(pub, "https://www.example.com")
	require.NoError(t, n.Notify(context.Background(), "done", "unavailable"))

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, EventPreloadCompleted, msgs[0].Topic)
	var ev Event
	require.NoError(t, json.Unmarshal(msgs[0].Data, &ev))
	require.Equal(t, "example.com", ev.Domain)
	require.Equal(t, "unavailable", ev.Elapsed)
	require.False(t, ev.Timestamp.IsZero())
}

func TestDomain(t *testing.T) {
	t.Parallel()

	require.Equal(t, "example.com", Domain("https://www.example.com/"))
	require.Equal(t, "shop.example.com", Domain("http://shop.example.com:8080"))
	require.Empty(t, Domain("::"))
}
