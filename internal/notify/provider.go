// Package notify delivers alert notifications to external channels.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/darshan-rambhia/tally/internal/config"
	"github.com/darshan-rambhia/tally/internal/model"
)

const sendTimeout = 10 * time.Second

// Provider sends notifications through a specific channel.
type Provider interface {
	Name() string
	Send(ctx context.Context, n model.Notification) error
}

// FromConfig builds one provider per configured target.
func FromConfig(targets []config.NotificationConfig) ([]Provider, error) {
	providers := make([]Provider, 0, len(targets))
	for i, t := range targets {
		switch t.Type {
		case "ntfy":
			providers = append(providers, NewNtfy(t.URL, t.Topic))
		case "webhook":
			providers = append(providers, NewWebhook(t.URL, t.Method, t.Headers))
		default:
			return nil, fmt.Errorf("notifications[%d]: unknown type %q", i, t.Type)
		}
	}
	return providers, nil
}

func newHTTPClient() *resty.Client {
	return resty.New().SetTimeout(sendTimeout).SetRetryCount(0)
}

func checkStatus(provider string, resp *resty.Response) error {
	if !resp.IsSuccess() {
		return fmt.Errorf("%s: unexpected status %d", provider, resp.StatusCode())
	}
	return nil
}
