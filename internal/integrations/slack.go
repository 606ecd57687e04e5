package integrations

import (
	"context"
)

// SlackPoster posts messages to one Slack incoming-webhook URL.
type SlackPoster struct {
	client *JSONClient
	url    string
}

// NewSlackPoster returns nil when url is empty so callers can treat a
// missing webhook as a configuration error at use time.
func NewSlackPoster(client *JSONClient, url string) *SlackPoster {
	if url == "" {
		return nil
	}
	return &SlackPoster{client: client, url: url}
}

// Post sends {"text": text} to the webhook.
func (p *SlackPoster) Post(ctx context.Context, text string) error {
	_, err := p.client.PostJSON(ctx, p.url, map[string]string{"text": text})
	return err
}
