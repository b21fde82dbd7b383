package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-resty/resty/v2"

	"github.com/darshan-rambhia/tally/internal/model"
)

// NtfyProvider publishes notifications to a topic on an ntfy server.
type NtfyProvider struct {
	endpoint string
	client   *resty.Client
}

// NewNtfy creates a new ntfy notification provider.
func NewNtfy(url, topic string) *NtfyProvider {
	return &NtfyProvider{
		endpoint: strings.TrimRight(url, "/") + "/" + topic,
		client:   newHTTPClient(),
	}
}

func (n *NtfyProvider) Name() string { return "ntfy" }

func (n *NtfyProvider) Send(ctx context.Context, notif model.Notification) error {
	resp, err := n.client.R().
		SetContext(ctx).
		SetHeader("Title", notif.Title).
		SetHeader("Priority", ntfyPriority(notif.Severity)).
		SetHeader("Tags", ntfyTags(notif)).
		SetBody(notif.Message).
		Post(n.endpoint)
	if err != nil {
		return fmt.Errorf("ntfy: send: %w", err)
	}
	return checkStatus("ntfy", resp)
}

func ntfyPriority(severity string) string {
	switch severity {
	case "critical":
		return "5"
	case "info":
		return "2"
	default:
		return "3"
	}
}

func ntfyTags(n model.Notification) string {
	var tags []string
	switch {
	case n.Resolved:
		tags = append(tags, "white_check_mark")
	case n.Severity == "critical":
		tags = append(tags, "rotating_light")
	case n.Severity == "warning":
		tags = append(tags, "warning")
	}
	if n.AlertType != "" {
		tags = append(tags, n.AlertType)
	}
	if n.BoxID != "" {
		tags = append(tags, n.BoxID)
	}
	return strings.Join(tags, ",")
}
