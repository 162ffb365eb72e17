// Package resolver asks the bot host process for a file's download URL.
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/Laisky/errors/v2"
	logSDK "github.com/Laisky/go-utils/v6/log"
	"github.com/Laisky/zap"

	"github.com/Laisky/telegram-filescan/internal/scan"
	"github.com/Laisky/telegram-filescan/library/log"
)

// TokenHeader carries the shared secret of internal routes.
const TokenHeader = scan.InternalTokenHeader

// HostLookup finds the advertised address of the process running a tenant's bot.
type HostLookup interface {
	Host(ctx context.Context, tenantID string) (string, error)
}

// Client resolves file links over HTTP.
type Client struct {
	hosts    HostLookup
	endpoint string
	token    string
	cli      *http.Client
	logger   logSDK.Logger
}

// New builds a Client. When settings.Endpoint is set every request goes
// there, otherwise the tenant's bot host is looked up through hosts.
func New(settings scan.ResolverSettings, token string, hosts HostLookup, logger logSDK.Logger) (*Client, error) {
	if settings.Endpoint == "" && hosts == nil {
		return nil, errors.New("either resolver endpoint or host lookup is required")
	}
	if logger == nil {
		logger = log.Logger.Named("resolver")
	}

	return &Client{
		hosts:    hosts,
		endpoint: settings.Endpoint,
		token:    token,
		cli:      &http.Client{Timeout: settings.Timeout},
		logger:   logger,
	}, nil
}

// LinkPath is the bot host route serving file links.
func LinkPath(tenantID string) string {
	return "/internal/bots/" + url.PathEscape(tenantID) + "/files/link"
}

// ResolveLink implements worker.LinkResolver.
func (c *Client) ResolveLink(ctx context.Context, tenantID, fileHandle string) (scan.FileLink, error) {
	base, err := c.baseURL(ctx, tenantID)
	if err != nil {
		return scan.FileLink{}, err
	}

	reqURL := base + LinkPath(tenantID) + "?file_id=" + url.QueryEscape(fileHandle)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return scan.FileLink{}, errors.Wrap(err, "new request")
	}
	if c.token != "" {
		req.Header.Set(TokenHeader, c.token)
	}

	resp, err := c.cli.Do(req)
	if err != nil {
		return scan.FileLink{}, errors.Wrap(err, "request file link")
	}
	defer resp.Body.Close() // nolint: errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return scan.FileLink{}, errors.Wrap(err, "read file link response")
	}
	if resp.StatusCode != http.StatusOK {
		return scan.FileLink{}, errors.Errorf("file link status %d: %s",
			resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var link scan.FileLink
	if err = json.Unmarshal(body, &link); err != nil {
		return scan.FileLink{}, errors.Wrap(err, "decode file link")
	}
	if link.URL == "" {
		return scan.FileLink{}, errors.New("empty file link")
	}

	c.logger.Debug("file link resolved",
		zap.String("tenant", tenantID),
		zap.String("host", link.Host))
	return link, nil
}

func (c *Client) baseURL(ctx context.Context, tenantID string) (string, error) {
	if c.endpoint != "" {
		return c.endpoint, nil
	}

	host, err := c.hosts.Host(ctx, tenantID)
	if err != nil {
		return "", errors.Wrapf(err, "lookup bot host of tenant %s", tenantID)
	}
	if strings.HasPrefix(host, "http://") || strings.HasPrefix(host, "https://") {
		return strings.TrimSuffix(host, "/"), nil
	}

	return fmt.Sprintf("http://%s", host), nil
}
