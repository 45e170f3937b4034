// Package rest is the stateless request/response façade: history,
// stats, presence and time queries, and channel publishes over plain
// HTTP. It shares the payload codec pipeline with the realtime client
// but needs no connection state machine.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/luma/beacon/codec"
	"github.com/luma/beacon/protocol"
)

var (
	ErrMissingURL = errors.New("options must carry a REST URL")

	// ErrBadResponse is returned when the server replies with a
	// non-2xx status and no parseable error envelope.
	ErrBadResponse = errors.New("unexpected response")
)

// DefaultLimit is applied when a query does not name its own page
// size.
const DefaultLimit = 100

// Doer issues one HTTP request. The concrete HTTP client, its pooling
// and its TLS setup are the caller's concern.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

type Options struct {
	// URL of the REST endpoint, e.g. "https://rest.example.com".
	URL string

	// Key authenticates requests, presented as a bearer token.
	Key string

	// Doer issues requests. Defaults to http.DefaultClient.
	Doer Doer

	Log *zap.Logger
}

type Client struct {
	base     *url.URL
	key      string
	doer     Doer
	pipeline *codec.Pipeline
	log      *zap.Logger
}

func New(opts Options) (*Client, error) {
	if opts.URL == "" {
		return nil, ErrMissingURL
	}

	base, err := url.Parse(opts.URL)
	if err != nil {
		return nil, err
	}

	doer := opts.Doer
	if doer == nil {
		doer = http.DefaultClient
	}

	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}

	return &Client{
		base: base,
		key:  opts.Key,
		doer: doer,
		// The REST wire is JSON, so byte payloads travel base64'd.
		pipeline: codec.NewPipeline(false),
		log:      log.Named("rest"),
	}, nil
}

// Params narrows a history, stats or presence query.
type Params struct {
	// Limit is the page size; DefaultLimit when zero.
	Limit int

	// Direction is "forwards" or "backwards".
	Direction string

	// Start and End bound the query interval, in ms since epoch.
	Start int64
	End   int64
}

func (p Params) query() url.Values {
	q := url.Values{}

	limit := p.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	q.Set("limit", strconv.Itoa(limit))

	if p.Direction != "" {
		q.Set("direction", p.Direction)
	}

	if p.Start != 0 {
		q.Set("start", strconv.FormatInt(p.Start, 10))
	}

	if p.End != 0 {
		q.Set("end", strconv.FormatInt(p.End, 10))
	}

	return q
}

// Time returns the service time.
func (c *Client) Time(ctx context.Context) (time.Time, error) {
	body, _, err := c.get(ctx, "/time", nil)
	if err != nil {
		return time.Time{}, err
	}

	times := gjson.ParseBytes(body).Array()
	if len(times) == 0 {
		return time.Time{}, fmt.Errorf("%w: empty /time body", ErrBadResponse)
	}

	return time.UnixMilli(times[0].Int()), nil
}

// History queries a channel's message history.
func (c *Client) History(ctx context.Context, channel string, params Params) (*PaginatedResult, error) {
	return c.page(ctx, "/channels/"+url.PathEscape(channel)+"/history", params.query())
}

// Stats queries application statistics.
func (c *Client) Stats(ctx context.Context, params Params) (*PaginatedResult, error) {
	return c.page(ctx, "/stats", params.query())
}

// Presence queries the current presence set of a channel.
func (c *Client) Presence(ctx context.Context, channel string, params Params) (*PaginatedResult, error) {
	return c.page(ctx, "/channels/"+url.PathEscape(channel)+"/presence", params.query())
}

// Publish sends messages to a channel over REST. Payloads run through
// the same codec pipeline as realtime publishes.
func (c *Client) Publish(ctx context.Context, channel string, messages []*protocol.Message, opts *codec.ChannelOptions) error {
	encoded := make([]*protocol.Message, 0, len(messages))
	for _, m := range messages {
		if err := c.pipeline.EncodeMessage(m, opts); err != nil {
			return err
		}

		encoded = append(encoded, m)
	}

	body, err := json.Marshal(encoded)
	if err != nil {
		return err
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/channels/"+url.PathEscape(channel)+"/messages", nil)
	if err != nil {
		return err
	}

	req.Body = io.NopCloser(bytes.NewReader(body))
	req.ContentLength = int64(len(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.doer.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(resp.Body)
		return c.responseError(resp.StatusCode, raw)
	}

	return nil
}

// page issues one paginated GET and parses its items and Link
// relations.
func (c *Client) page(ctx context.Context, path string, query url.Values) (*PaginatedResult, error) {
	body, resp, err := c.get(ctx, path, query)
	if err != nil {
		return nil, err
	}

	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}

	links, err := parseLinks(resp.Header.Values("Link"))
	if err != nil {
		return nil, err
	}

	return &PaginatedResult{
		client:   c,
		path:     path,
		items:    items,
		links:    links,
		pipeline: c.pipeline,
	}, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values) ([]byte, *http.Response, error) {
	req, err := c.newRequest(ctx, http.MethodGet, path, query)
	if err != nil {
		return nil, nil, err
	}

	resp, err := c.doer.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, nil, c.responseError(resp.StatusCode, body)
	}

	return body, resp, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values) (*http.Request, error) {
	u := *c.base
	u.Path = path

	if query != nil {
		u.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Accept", "application/json")

	if c.key != "" {
		req.Header.Set("Authorization", "Bearer "+c.key)
	}

	return req, nil
}

// responseError lifts a non-2xx body into an ErrorInfo when the
// server sent its error envelope, and a plain error otherwise.
func (c *Client) responseError(statusCode int, body []byte) error {
	if e := gjson.GetBytes(body, "error"); e.Exists() {
		return &protocol.ErrorInfo{
			Code:       int(e.Get("code").Int()),
			StatusCode: statusCode,
			Message:    e.Get("message").String(),
			HRef:       e.Get("href").String(),
		}
	}

	return fmt.Errorf("%w: status %d", ErrBadResponse, statusCode)
}
