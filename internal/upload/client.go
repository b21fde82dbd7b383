// Package upload pushes locally recorded data from a box to the server.
//
// Each kind of record has its own uploader and cursor. A cursor only moves
// after the server answered 200, so a batch is resent until it is
// acknowledged; the server upserts by natural key and absorbs duplicates.
package upload

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// Endpoint paths, relative to the server URL. The box id is appended.
const (
	EventsPath       = "/api/postEvents/"
	AggregationsPath = "/api/postAggregations/"
	StatusPath       = "/api/postTmuxStatus/"
)

// HTTPError is returned when the server answers with anything but 200.
type HTTPError struct {
	StatusCode int
	Body       string
	Endpoint   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s responded %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

// IsRetryable reports whether resending the same batch may succeed without
// operator action.
func (e *HTTPError) IsRetryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Client posts payloads to the server on behalf of one box.
type Client struct {
	http  *resty.Client
	boxID string
	token string
}

// NewClient returns a Client. Requests are never retried by the client
// itself; the uploader loops resend on their next tick.
func NewClient(serverURL, boxID, token string, timeout time.Duration) *Client {
	hc := resty.New().
		SetBaseURL(strings.TrimRight(serverURL, "/")).
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	return &Client{http: hc, boxID: boxID, token: token}
}

// Post sends body as JSON to path + box id. Only HTTP 200 counts as success.
func (c *Client) Post(ctx context.Context, path string, body any) error {
	endpoint := path + c.boxID + "/"
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Authorization", c.token).
		SetBody(body).
		Post(endpoint)
	if err != nil {
		return fmt.Errorf("posting to %s: %w", endpoint, err)
	}
	if resp.StatusCode() != http.StatusOK {
		msg := resp.String()
		if len(msg) > 512 {
			msg = msg[:512]
		}
		return &HTTPError{StatusCode: resp.StatusCode(), Body: msg, Endpoint: endpoint}
	}
	return nil
}
