package intake

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/Laisky/errors/v2"

	"github.com/Laisky/telegram-filescan/internal/scan"
)

// Client posts scan requests to a scanner's HTTP fallback route.
type Client struct {
	endpoint string
	token    string
	cli      *http.Client
}

// NewClient builds a Client.
func NewClient(settings scan.IntakeSettings, token string) (*Client, error) {
	if settings.Endpoint == "" {
		return nil, errors.New("intake endpoint is required")
	}

	return &Client{
		endpoint: settings.Endpoint,
		token:    token,
		cli:      &http.Client{Timeout: settings.Timeout},
	}, nil
}

// RequestScan asks the scanner to scan the file of ref.
func (c *Client) RequestScan(ctx context.Context, ref scan.MessageRef) error {
	payload, err := json.Marshal(ref)
	if err != nil {
		return errors.Wrap(err, "marshal scan request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.endpoint+ScanRequestPath, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "new request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set(scan.InternalTokenHeader, c.token)
	}

	resp, err := c.cli.Do(req)
	if err != nil {
		return errors.Wrap(err, "post scan request")
	}
	defer resp.Body.Close() // nolint: errcheck

	if resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return errors.Errorf("scan request status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return nil
}
