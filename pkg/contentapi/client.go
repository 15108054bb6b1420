package contentapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iota-uz/crm-ingest/pkg/logging"
	"github.com/iota-uz/crm-ingest/pkg/throttle"
)

type Options struct {
	BaseURL string
	Token   string
	Timeout time.Duration

	// Limiter bounds concurrent outbound requests; nil means unbounded.
	Limiter *throttle.Limiter
	Retry   *throttle.RetryPolicy
	Logger  *logrus.Entry

	HTTPClient *http.Client
}

// Client talks to the content API with bearer auth. Every request goes
// through the HTTP limiter and the transport-error retry policy.
type Client struct {
	baseURL string
	token   string
	hc      *http.Client
	limiter *throttle.Limiter
	retry   *throttle.RetryPolicy
	log     *logrus.Entry
}

func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("content api: base url is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.Retry == nil {
		opts.Retry = &throttle.RetryPolicy{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	return &Client{
		baseURL: opts.BaseURL,
		token:   opts.Token,
		hc:      hc,
		limiter: opts.Limiter,
		retry:   opts.Retry,
		log:     opts.Logger,
	}, nil
}

// BulkCreate creates records of the given entity kind and returns the
// identifiers the API assigned, in request order.
func (c *Client) BulkCreate(ctx context.Context, entity string, data []map[string]any) (BulkResult, error) {
	return c.bulk(ctx, "/bulk-create", map[string]any{"entity": entity, "data": data})
}

// BulkUpdate updates records carrying their documentId in-band.
func (c *Client) BulkUpdate(ctx context.Context, entity string, data []map[string]any) (BulkResult, error) {
	return c.bulk(ctx, "/bulk-update", map[string]any{"entity": entity, "data": data})
}

// BulkDelete removes records by documentId.
func (c *Client) BulkDelete(ctx context.Context, entity string, documentIDs []string) (BulkResult, error) {
	body := map[string]any{
		"entity": entity,
		"where":  map[string]any{"documentId": map[string]any{"$in": documentIDs}},
	}
	return c.bulk(ctx, "/bulk-delete", body)
}

func (c *Client) bulk(ctx context.Context, path string, body map[string]any) (BulkResult, error) {
	var result BulkResult
	err := c.do(ctx, http.MethodPost, path, nil, body, &result)
	if err != nil {
		return BulkResult{}, err
	}
	if !result.Success {
		return BulkResult{}, &StatusError{StatusCode: http.StatusOK, Message: result.Error}
	}
	return result, nil
}

// Create inserts a single entity and returns its identity.
func (c *Client) Create(ctx context.Context, entity string, data map[string]any) (ListItem, error) {
	var resp struct {
		Data ListItem `json:"data"`
	}
	if err := c.do(ctx, http.MethodPost, "/"+entity, nil, map[string]any{"data": data}, &resp); err != nil {
		return ListItem{}, err
	}
	return resp.Data, nil
}

// ListPage fetches one page of an entity listing. Filters are passed
// through as query parameters. An empty page is the pagination terminal.
func (c *Client) ListPage(ctx context.Context, entity string, filters url.Values, page, pageSize int) ([]ListItem, error) {
	q := url.Values{}
	for k, vs := range filters {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	q.Set("pagination[page]", strconv.Itoa(page))
	q.Set("pagination[pageSize]", strconv.Itoa(pageSize))

	var resp listResponse
	if err := c.do(ctx, http.MethodGet, "/"+entity, q, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("content api: encode request: %w", err)
		}
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	return c.retry.Do(ctx, func(ctx context.Context) error {
		if c.limiter != nil {
			if err := c.limiter.Acquire(ctx); err != nil {
				return err
			}
			defer c.limiter.Release()
		}

		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, u, reader)
		if err != nil {
			return err
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.hc.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			c.log.WithFields(logrus.Fields{
				"status": resp.StatusCode,
				"path":   path,
			}).Warn("content api: request failed")
			return &StatusError{StatusCode: resp.StatusCode, Message: string(raw)}
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("content api: decode response: %w", err)
		}
		return nil
	})
}
