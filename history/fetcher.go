// Package history retrieves paginated message history over REST.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cloudwego/hertz/pkg/app/client"
	"github.com/cloudwego/hertz/pkg/protocol"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/mbeoliero/kit/log"

	"github.com/openrides/chatsync/chat"
	"github.com/openrides/chatsync/pkg/errcode"
)

// Fetcher retrieves historical message batches for a participant pair
type Fetcher struct {
	baseURL    string
	httpClient *client.Client
	token      string
}

// Option is a function to configure the fetcher
type Option func(*Fetcher)

// WithHertzClient sets a custom Hertz client
func WithHertzClient(httpClient *client.Client) Option {
	return func(f *Fetcher) {
		f.httpClient = httpClient
	}
}

// WithToken sets the bearer token sent on every request
func WithToken(token string) Option {
	return func(f *Fetcher) {
		f.token = token
	}
}

// NewFetcher creates a new history fetcher
func NewFetcher(baseURL string, opts ...Option) (*Fetcher, error) {
	httpClient, err := client.NewClient(
		client.WithDialTimeout(10*time.Second),
		client.WithClientReadTimeout(30*time.Second),
		client.WithWriteTimeout(30*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http client: %w", err)
	}

	f := &Fetcher{
		baseURL:    baseURL,
		httpClient: httpClient,
	}

	for _, opt := range opts {
		opt(f)
	}

	return f, nil
}

// SetToken sets the authentication token
func (f *Fetcher) SetToken(token string) {
	f.token = token
}

// Fetch retrieves every history batch for the (userId, peerId) pair.
//
// A conversation with no history is a valid state, reported as
// errcode.ErrNoHistory; transport and server failures are reported as
// errcode.ErrHistoryUnavailable. Neither is retried here — reopening the
// conversation retries.
func (f *Fetcher) Fetch(ctx context.Context, userId, peerId string) ([]chat.HistoryBatch, error) {
	reqURL := fmt.Sprintf("%s/chat/messages/%s/%s", f.baseURL, userId, peerId)

	req := &protocol.Request{}
	resp := &protocol.Response{}

	req.SetMethod(consts.MethodGet)
	req.SetRequestURI(reqURL)

	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}

	if err := f.httpClient.Do(ctx, req, resp); err != nil {
		log.CtxWarn(ctx, "history request failed: user_id=%s, peer_id=%s, error=%v", userId, peerId, err)
		return nil, errcode.ErrHistoryUnavailable.Wrap(err)
	}

	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return nil, errcode.ErrNoHistory
	case resp.StatusCode() != http.StatusOK:
		log.CtxWarn(ctx, "history request rejected: user_id=%s, peer_id=%s, status=%d", userId, peerId, resp.StatusCode())
		return nil, errcode.ErrHistoryUnavailable.Wrap(fmt.Errorf("status %d", resp.StatusCode()))
	}

	var batches []chat.HistoryBatch
	if err := json.Unmarshal(resp.Body(), &batches); err != nil {
		return nil, errcode.ErrHistoryUnavailable.Wrap(fmt.Errorf("decode response: %w", err))
	}

	log.CtxDebug(ctx, "history fetched: user_id=%s, peer_id=%s, batches=%d", userId, peerId, len(batches))
	return batches, nil
}
