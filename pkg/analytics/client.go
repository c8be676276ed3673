// Package analytics talks to the scan analytics backend and shapes its results for the
// stats and export endpoints.
package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"getqr/pkg/domain"
)

// Event datasources that carry per-link history.
var DefaultDatasources = []string{"click_events", "lead_events", "sale_events"}

// Row is one record returned by a pipe.
type Row map[string]any

// Backend is the subset of the analytics backend used by the service.
type Backend interface {
	DeleteLinkEvents(ctx context.Context, linkID string) error
	Query(ctx context.Context, pipe string, params url.Values) ([]Row, error)
}

// Client is an HTTP client for a Tinybird-style analytics API.
type Client struct {
	baseURL     string
	token       string
	datasources []string
	httpClient  *http.Client
}

func NewClient(baseURL, token string, datasources []string) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("analytics base url is required")
	}
	if len(datasources) == 0 {
		datasources = DefaultDatasources
	}
	return &Client{
		baseURL:     baseURL,
		token:       token,
		datasources: datasources,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// DeleteLinkEvents removes every event recorded for linkID from all datasources.
func (c *Client) DeleteLinkEvents(ctx context.Context, linkID string) error {
	if strings.TrimSpace(linkID) == "" {
		return errors.New("link id is required")
	}
	cond := LinkCondition(linkID)
	g, gctx := errgroup.WithContext(ctx)
	for _, ds := range c.datasources {
		ds := ds
		g.Go(func() error {
			return c.DeleteByCondition(gctx, ds, cond)
		})
	}
	if err := g.Wait(); err != nil {
		return domain.UpstreamError("analytics", err)
	}
	return nil
}

// DeleteByCondition runs a delete job on datasource for rows matching condition.
func (c *Client) DeleteByCondition(ctx context.Context, datasource, condition string) error {
	form := url.Values{"delete_condition": {condition}}
	endpoint := c.baseURL + "/v0/datasources/" + url.PathEscape(datasource) + "/delete"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.do(req)
	if err != nil {
		return fmt.Errorf("delete from %s: %w", datasource, err)
	}
	resp.Body.Close()
	return nil
}

// Query reads the JSON output of a pipe.
func (c *Client) Query(ctx context.Context, pipe string, params url.Values) ([]Row, error) {
	endpoint := c.baseURL + "/v0/pipes/" + url.PathEscape(pipe) + ".json"
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, domain.UpstreamError("analytics", fmt.Errorf("query %s: %w", pipe, err))
	}
	defer resp.Body.Close()
	var body struct {
		Data []Row `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, domain.UpstreamError("analytics", fmt.Errorf("decode %s: %w", pipe, err))
	}
	if body.Data == nil {
		body.Data = []Row{}
	}
	return body.Data, nil
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		var errResp struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = json.Unmarshal(raw, &errResp)
		msg := errResp.Error
		if msg == "" {
			msg = resp.Status
		}
		return nil, fmt.Errorf("analytics error: %s", msg)
	}
	return resp, nil
}

// LinkCondition builds the delete condition selecting one link's rows.
func LinkCondition(linkID string) string {
	return "link_id='" + strings.ReplaceAll(strings.ReplaceAll(linkID, `\`, `\\`), "'", `\'`) + "'"
}
