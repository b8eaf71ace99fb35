package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hyperengineering/syncstore/internal/cache"
	"github.com/hyperengineering/syncstore/internal/query"
	"github.com/hyperengineering/syncstore/internal/sync"
	"github.com/hyperengineering/syncstore/internal/types"
)

// Client talks to the backend's collection endpoints. It implements
// sync.NetworkAdapter.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewClient creates a backend client. The base URL carries no trailing
// slash; apiKey may be empty for unauthenticated backends.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

// FetchFull retrieves every backend record for (collection, query).
func (c *Client) FetchFull(ctx context.Context, collection string, q *query.Query) (*sync.FullResponse, error) {
	u := c.collectionURL(collection, "")
	if qp := queryParam(q); qp != "" {
		u += "?query=" + url.QueryEscape(qp)
	}

	resp, err := c.send(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var docs []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&docs); err != nil {
		return nil, fmt.Errorf("decode collection response: %w", err)
	}
	entities := make([]*types.Entity, 0, len(docs))
	for _, doc := range docs {
		entities = append(entities, DecodeEntity(doc))
	}
	return &sync.FullResponse{Entities: entities, ServerTime: headerTime(resp)}, nil
}

// FetchDelta retrieves changes since the given timestamp. A backend
// reply indicating the since window has been compacted away maps to
// sync.ErrSinceExpired.
func (c *Client) FetchDelta(ctx context.Context, collection string, q *query.Query, since time.Time) (*sync.DeltaResponse, error) {
	u := c.collectionURL(collection, "_deltaset") +
		"?since=" + url.QueryEscape(since.UTC().Format(time.RFC3339Nano))
	if qp := queryParam(q); qp != "" {
		u += "&query=" + url.QueryEscape(qp)
	}

	resp, err := c.send(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusGone {
		return nil, fmt.Errorf("delta for %s since %s: %w",
			collection, since.Format(time.RFC3339), sync.ErrSinceExpired)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var body struct {
		Changed []map[string]any `json:"changed"`
		Deleted []map[string]any `json:"deleted"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode delta response: %w", err)
	}

	out := &sync.DeltaResponse{ServerTime: headerTime(resp)}
	for _, doc := range body.Changed {
		out.Changed = append(out.Changed, DecodeEntity(doc))
	}
	for _, doc := range body.Deleted {
		if id, ok := doc[types.EntityIDKey].(string); ok && id != "" {
			out.Deleted = append(out.Deleted, id)
		}
	}
	return out, nil
}

// Replay rebuilds and sends a queued pending operation. Transport
// failures return an error; any HTTP response, success or rejection, is
// reported in the result.
func (c *Client) Replay(ctx context.Context, op *cache.PendingOperation) (*sync.ReplayResult, error) {
	var body io.Reader
	if len(op.Body) > 0 {
		body = bytes.NewReader(op.Body)
	}
	req, err := http.NewRequestWithContext(ctx, op.Method, op.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", op.RequestID, err)
	}
	for k, v := range op.Headers {
		req.Header.Set(k, v)
	}
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send %s %s: %w", op.Method, op.URL, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response for %s: %w", op.RequestID, err)
	}
	return &sync.ReplayResult{StatusCode: resp.StatusCode, Body: respBody}, nil
}

// Count asks the backend how many records the collection holds.
func (c *Client) Count(ctx context.Context, collection string) (int, error) {
	resp, err := c.send(ctx, http.MethodGet, c.collectionURL(collection, "_count"), nil)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, statusError(resp)
	}
	var body struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("decode count response: %w", err)
	}
	return body.Count, nil
}

// Ping checks backend connectivity.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.send(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: %d", resp.StatusCode)
	}
	return nil
}

// SaveOperation shapes an entity save into a replayable pending
// operation: POST for entities without an id, PUT to the entity path
// otherwise.
func (c *Client) SaveOperation(collection string, e *types.Entity) (*cache.PendingOperation, error) {
	body, err := json.Marshal(EncodeEntity(e))
	if err != nil {
		return nil, fmt.Errorf("marshal entity: %w", err)
	}
	method := http.MethodPost
	u := c.collectionURL(collection, "")
	if e.ID != "" {
		method = http.MethodPut
		u = c.collectionURL(collection, e.ID)
	}
	return &cache.PendingOperation{
		Collection: collection,
		ObjectID:   e.ID,
		Method:     method,
		URL:        u,
		Headers:    map[string]string{contentTypeKey: jsonMediaType},
		Body:       body,
	}, nil
}

// DeleteOperation shapes an entity delete into a replayable pending
// operation.
func (c *Client) DeleteOperation(collection, id string) *cache.PendingOperation {
	return &cache.PendingOperation{
		Collection: collection,
		ObjectID:   id,
		Method:     http.MethodDelete,
		URL:        c.collectionURL(collection, id),
	}
}

func (c *Client) collectionURL(collection, suffix string) string {
	u := c.baseURL + "/appdata/" + url.PathEscape(collection)
	if suffix != "" {
		u += "/" + url.PathEscape(suffix)
	}
	return u
}

func (c *Client) send(ctx context.Context, method, u string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set(contentTypeKey, jsonMediaType)
	}
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send %s %s: %w", method, u, err)
	}
	return resp, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

// queryParam renders the predicate in canonical form for the backend.
// The parameter is opaque to this client; backends without server-side
// filtering may ignore it and return the full collection.
func queryParam(q *query.Query) string {
	if q == nil || q.Predicate == nil {
		return ""
	}
	return query.Canonical(q.Predicate)
}

func headerTime(resp *http.Response) time.Time {
	raw := resp.Header.Get(serverTimeHdr)
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("backend returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
}
