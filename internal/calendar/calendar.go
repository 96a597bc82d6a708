// Package calendar is the access-grant collaborator: adding a paid buyer's
// contact to a private meeting resource. The operation is idempotent by
// contract; adding an already-present contact is a no-op.
package calendar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// ErrUnavailable marks transient failures: the grant may be retried later
// without corrupting state.
var ErrUnavailable = errors.New("calendar service unavailable")

// Granter adds an attendee to a meeting resource.
type Granter interface {
	AddAttendee(ctx context.Context, meetingID, contact string) error
}

// Client is an HTTP Granter with a bearer token and bounded call timeout.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient builds a calendar client. The token source supplies
// already-valid credentials; token lifecycle is not handled here.
func NewClient(baseURL string, tokens oauth2.TokenSource, timeout time.Duration, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	// oauth2.NewClient with a nil source hands back http.DefaultClient,
	// which must not be mutated.
	httpClient := &http.Client{Timeout: timeout}
	if tokens != nil {
		httpClient = oauth2.NewClient(context.Background(), tokens)
		httpClient.Timeout = timeout
	}
	return &Client{
		baseURL: baseURL,
		http:    httpClient,
		logger:  logger,
	}
}

// AddAttendee adds the contact to the meeting. A conflict response means the
// contact is already on the meeting and is treated as success.
func (c *Client) AddAttendee(ctx context.Context, meetingID, contact string) error {
	if meetingID == "" {
		return fmt.Errorf("meeting id is required")
	}
	if contact == "" {
		return fmt.Errorf("contact is required")
	}

	body, err := json.Marshal(map[string]string{"contact": contact})
	if err != nil {
		return fmt.Errorf("marshal attendee: %w", err)
	}

	endpoint := fmt.Sprintf("%s/meetings/%s/attendees", c.baseURL, url.PathEscape(meetingID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		return nil
	case resp.StatusCode == http.StatusConflict:
		// Already an attendee.
		c.logger.Debug("attendee already present", zap.String("meeting_id", meetingID))
		return nil
	case resp.StatusCode >= 500:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, snippet)
	default:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("add attendee: status %d: %s", resp.StatusCode, snippet)
	}
}
