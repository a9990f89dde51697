package main

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/imroc/req/v3"
	"github.com/openmined/syftsync/internal/statushttp"
	"github.com/openmined/syftsync/internal/version"
	"github.com/spf13/cobra"
)

const requestTimeout = 10 * time.Second

var userAgent = fmt.Sprintf("syftsync/%s (%s; %s/%s)", version.Version, version.Revision, runtime.GOOS, runtime.GOARCH)

// statusClient talks to the status server of a running daemon.
type statusClient struct {
	baseURL string
	token   string
	client  *req.Client
}

func baseURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimSuffix(addr, "/")
	}
	return "http://" + strings.TrimSuffix(addr, "/")
}

func newStatusClient(addr, token string) *statusClient {
	url := baseURL(addr)
	client := req.C().
		SetBaseURL(url).
		SetTimeout(requestTimeout).
		SetUserAgent(userAgent).
		SetCommonErrorResult(&statushttp.ErrorResponse{}).
		SetJsonMarshal(json.Marshal).
		SetJsonUnmarshal(json.Unmarshal)
	if token != "" {
		client.SetCommonBearerAuthToken(token)
	}
	return &statusClient{baseURL: url, token: token, client: client}
}

// headers are sent on the websocket handshake.
func (c *statusClient) headers() http.Header {
	h := http.Header{"User-Agent": {userAgent}}
	if c.token != "" {
		h.Set("Authorization", "Bearer "+c.token)
	}
	return h
}

// statusClientFor reads the status server address from flags, env and config.
func statusClientFor(cmd *cobra.Command) (*statusClient, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return newStatusClient(cfg.HTTPAddr, cfg.HTTPToken), nil
}

func handleAPIError(resp *req.Response, requestErr error, operation string) error {
	if requestErr != nil {
		return fmt.Errorf("%s: %w (is the daemon running?)", operation, requestErr)
	}
	if resp.IsErrorState() {
		if apiErr, ok := resp.ErrorResult().(*statushttp.ErrorResponse); ok && apiErr.Error != "" {
			return fmt.Errorf("%s: %s", operation, apiErr.Error)
		}
		return fmt.Errorf("%s: %s", operation, resp.Status)
	}
	return nil
}

func (c *statusClient) Status(ctx context.Context) (*statushttp.StatusResponse, error) {
	var out statushttp.StatusResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetSuccessResult(&out).
		Get("/v1/status")
	if err := handleAPIError(resp, err, "get status"); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *statusClient) PathStatus(ctx context.Context, tag string) (*statushttp.PathStatusResponse, error) {
	var out statushttp.PathStatusResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetPathParam("tag", tag).
		SetSuccessResult(&out).
		Get("/v1/status/{tag}")
	if err := handleAPIError(resp, err, "get status "+tag); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *statusClient) State(ctx context.Context, tag string) (string, error) {
	resp, err := c.client.R().
		SetContext(ctx).
		SetPathParam("tag", tag).
		Get("/v1/state/{tag}")
	if err := handleAPIError(resp, err, "get state "+tag); err != nil {
		return "", err
	}
	return resp.String(), nil
}

// eventsURL is the websocket endpoint, optionally narrowed to one instance.
func (c *statusClient) eventsURL(tag string) string {
	url := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/v1/events"
	if tag != "" {
		url += "?tag=" + tag
	}
	return url
}
