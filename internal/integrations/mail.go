package integrations

import (
	"context"
	"net/url"
	"strings"

	"github.com/resend/resend-go/v2"

	"github.com/rendis/flowrun/pkg/schema"
)

// DefaultSender is used when no sender address is configured.
const DefaultSender = "automation@resend.dev"

// Mail is one outbound message.
type Mail struct {
	From    string
	To      string
	Subject string
	HTML    string
}

// Recipients splits a comma separated To field.
func (m Mail) Recipients() []string {
	var out []string
	for _, r := range strings.Split(m.To, ",") {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}

// ResendMailer sends mail through the Resend API.
type ResendMailer struct {
	client *resend.Client
}

// NewResendMailer creates a mailer. baseURL overrides the API endpoint and
// is meant for tests and self-hosted proxies; pass "" for the default.
func NewResendMailer(apiKey, baseURL string) (*ResendMailer, error) {
	c := resend.NewClient(apiKey)
	if baseURL != "" {
		u, err := url.Parse(strings.TrimRight(baseURL, "/") + "/")
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeConfig, "invalid mail api url %q", baseURL).WithCause(err)
		}
		c.BaseURL = u
	}
	return &ResendMailer{client: c}, nil
}

// Send delivers m and returns the provider's message id.
func (r *ResendMailer) Send(ctx context.Context, m Mail) (string, error) {
	sent, err := r.client.Emails.SendWithContext(ctx, &resend.SendEmailRequest{
		From:    m.From,
		To:      m.Recipients(),
		Subject: m.Subject,
		Html:    m.HTML,
	})
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeTransport, "send mail: %v", err).WithCause(err)
	}
	return sent.Id, nil
}
