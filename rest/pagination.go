package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"

	"go.uber.org/multierr"

	"github.com/luma/beacon/codec"
	"github.com/luma/beacon/protocol"
)

var (
	ErrNoSuchRelation = errors.New("response carries no such link relation")
	ErrMalformedLink  = errors.New("malformed Link header")
)

// linkRe matches one RFC-5988 link-value: `<url>; rel="name"`.
var linkRe = regexp.MustCompile(`^\s*<([^>]*)>\s*;\s*rel="([^"]+)"\s*$`)

// relation is a parsed link target: the path to request and the query
// to request it with, every key/value pair preserved.
type relation struct {
	path  string
	query url.Values
}

// parseLinks parses Link headers into their named relations. Header
// values may carry several comma-separated link-values.
func parseLinks(headers []string) (map[string]relation, error) {
	links := make(map[string]relation)

	for _, header := range headers {
		for _, link := range strings.Split(header, ",") {
			if strings.TrimSpace(link) == "" {
				continue
			}

			m := linkRe.FindStringSubmatch(link)
			if m == nil {
				return nil, fmt.Errorf("%w: %q", ErrMalformedLink, link)
			}

			target, err := url.Parse(m[1])
			if err != nil {
				return nil, fmt.Errorf("%w: %q: %v", ErrMalformedLink, link, err)
			}

			query, err := url.ParseQuery(target.RawQuery)
			if err != nil {
				return nil, fmt.Errorf("%w: %q: %v", ErrMalformedLink, link, err)
			}

			links[m[2]] = relation{path: target.Path, query: query}
		}
	}

	return links, nil
}

// PaginatedResult is one page of a history, stats or presence query,
// plus the link relations needed to walk to its neighbours. Fetching
// a relation re-issues the HTTP request with the parsed query and
// decodes the new page through the same pipeline.
type PaginatedResult struct {
	client   *Client
	path     string
	items    []json.RawMessage
	links    map[string]relation
	pipeline *codec.Pipeline
}

// Items returns the raw items of this page.
func (r *PaginatedResult) Items() []json.RawMessage {
	return r.items
}

// Messages decodes this page's items as messages through the payload
// pipeline. Entries that fail to decode are returned in their
// partially decoded state; the combined decode errors accompany them.
func (r *PaginatedResult) Messages(opts *codec.ChannelOptions) ([]*protocol.Message, error) {
	var decodeErr error

	messages := make([]*protocol.Message, 0, len(r.items))
	for _, item := range r.items {
		var m protocol.Message
		if err := json.Unmarshal(item, &m); err != nil {
			decodeErr = multierr.Append(decodeErr, err)
			continue
		}

		if err := r.pipeline.DecodeMessage(&m, opts); err != nil {
			decodeErr = multierr.Append(decodeErr, err)
		}

		messages = append(messages, &m)
	}

	return messages, decodeErr
}

// PresenceMessages decodes this page's items as presence entries.
func (r *PaginatedResult) PresenceMessages(opts *codec.ChannelOptions) ([]*protocol.PresenceMessage, error) {
	var decodeErr error

	messages := make([]*protocol.PresenceMessage, 0, len(r.items))
	for _, item := range r.items {
		var m protocol.PresenceMessage
		if err := json.Unmarshal(item, &m); err != nil {
			decodeErr = multierr.Append(decodeErr, err)
			continue
		}

		if err := r.pipeline.DecodePresence(&m, opts); err != nil {
			decodeErr = multierr.Append(decodeErr, err)
		}

		messages = append(messages, &m)
	}

	return messages, decodeErr
}

// Has reports whether the page carries the named relation.
func (r *PaginatedResult) Has(rel string) bool {
	_, ok := r.links[rel]
	return ok
}

// Relation returns the parsed query of a named relation, preserving
// every key/value pair the server sent.
func (r *PaginatedResult) Relation(rel string) (url.Values, bool) {
	link, ok := r.links[rel]
	if !ok {
		return nil, false
	}

	return link.query, true
}

// First fetches the page the "first" relation points at.
func (r *PaginatedResult) First(ctx context.Context) (*PaginatedResult, error) {
	return r.fetch(ctx, "first")
}

// Next fetches the page the "next" relation points at.
func (r *PaginatedResult) Next(ctx context.Context) (*PaginatedResult, error) {
	return r.fetch(ctx, "next")
}

// Previous fetches the page the "previous" relation points at.
func (r *PaginatedResult) Previous(ctx context.Context) (*PaginatedResult, error) {
	return r.fetch(ctx, "previous")
}

// Current re-fetches this page through the "current" relation.
func (r *PaginatedResult) Current(ctx context.Context) (*PaginatedResult, error) {
	return r.fetch(ctx, "current")
}

func (r *PaginatedResult) fetch(ctx context.Context, rel string) (*PaginatedResult, error) {
	link, ok := r.links[rel]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoSuchRelation, rel)
	}

	target := link.path
	switch {
	case target == "" || target == "." || target == "./":
		// A bare query re-targets the path the page came from.
		target = r.path

	case !strings.HasPrefix(target, "/"):
		// Relative links resolve against the page's directory.
		target = path.Join(path.Dir(r.path), target)
	}

	return r.client.page(ctx, target, link.query)
}
