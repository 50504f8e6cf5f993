package mail

import (
	"context"
	"net/smtp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/sbily/internal/pkg/config"
)

func TestNewSender(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.MailConfig
		want    interface{}
		wantErr error
	}{
		{"default is log", config.MailConfig{}, LogSender{}, nil},
		{"log", config.MailConfig{Provider: "log"}, LogSender{}, nil},
		{"smtp", config.MailConfig{Provider: "SMTP", SMTPHost: "mail.local", SMTPPort: "25"}, &SMTPSender{}, nil},
		{"smtp without host", config.MailConfig{Provider: "smtp"}, nil, ErrInvalidConfig},
		{"postmark", config.MailConfig{Provider: "postmark", PostmarkToken: "token", From: "a@b.c"}, &PostmarkSender{}, nil},
		{"postmark without token", config.MailConfig{Provider: "postmark", From: "a@b.c"}, nil, ErrInvalidConfig},
		{"unknown", config.MailConfig{Provider: "pigeon"}, nil, ErrUnknownSender},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewSender(tt.cfg)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, s)
				return
			}
			require.NoError(t, err)
			assert.IsType(t, tt.want, s)
		})
	}
}

func TestSMTPSender_Send(t *testing.T) {
	s, err := NewSMTPSender(config.MailConfig{
		SMTPHost:     "mail.local",
		SMTPPort:     "587",
		SMTPUsername: "user",
		SMTPPassword: "secret",
		From:         "sbily <no-reply@sbily.local>",
	})
	require.NoError(t, err)

	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg []byte
	s.sendFn = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo, gotMsg = addr, from, to, msg
		assert.NotNil(t, a)
		return nil
	}

	require.NoError(t, s.Send(context.Background(), Message{To: "jane@example.com", Subject: "Hello", HTML: "<p>hi</p>"}))
	assert.Equal(t, "mail.local:587", gotAddr)
	assert.Equal(t, "no-reply@sbily.local", gotFrom)
	assert.Equal(t, []string{"jane@example.com"}, gotTo)
	body := string(gotMsg)
	assert.True(t, strings.HasPrefix(body, "From: sbily <no-reply@sbily.local>\r\nTo: jane@example.com\r\nSubject: Hello\r\n"))
	assert.Contains(t, body, "Content-Type: text/html; charset=UTF-8\r\n\r\n<p>hi</p>")

	assert.ErrorIs(t, s.Send(context.Background(), Message{Subject: "x"}), ErrMissingAddress)
}

func TestLogSender(t *testing.T) {
	assert.NoError(t, LogSender{}.Send(context.Background(), Message{To: "a@b.c", Subject: "s"}))
	assert.ErrorIs(t, LogSender{}.Send(context.Background(), Message{}), ErrMissingAddress)
}

func TestRenderer(t *testing.T) {
	r, err := NewRenderer(map[string]string{"AppName": "sbily", "DashboardURL": "https://sbily.test/dashboard"})
	require.NoError(t, err)

	for name, subject := range subjects {
		t.Run(name, func(t *testing.T) {
			msg, err := r.Render(name, "jane@example.com", map[string]string{"Username": "jane"})
			require.NoError(t, err)
			assert.Equal(t, subject, msg.Subject)
			assert.Equal(t, "jane@example.com", msg.To)
			assert.Equal(t, name, msg.Tag)
			assert.Contains(t, msg.HTML, "Hi jane,")
			assert.Contains(t, msg.HTML, "sbily")
		})
	}
}

func TestRenderer_DataOverridesDefaultsAndEscapes(t *testing.T) {
	r, err := NewRenderer(map[string]string{"AppName": "sbily"})
	require.NoError(t, err)

	msg, err := r.Render(TemplatePaymentFailed, "a@b.c", map[string]string{
		"Username":   "<script>",
		"Amount":     "9.99",
		"InvoiceURL": "https://pay.example/inv_1",
	})
	require.NoError(t, err)
	assert.Contains(t, msg.HTML, "9.99")
	assert.Contains(t, msg.HTML, "https://pay.example/inv_1")
	assert.NotContains(t, msg.HTML, "<script>")
	assert.Contains(t, msg.HTML, "&lt;script&gt;")

	_, err = r.Render("nope", "a@b.c", nil)
	assert.ErrorIs(t, err, ErrUnknownTemplate)
	assert.False(t, r.Has("nope"))
	assert.True(t, r.Has(TemplateRenewalReminder))
}
