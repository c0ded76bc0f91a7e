package b2chat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"b2chat-sync-service/internal/config"
	"b2chat-sync-service/internal/logger"
)

const (
	maxBackoff   = 30 * time.Second
	maxErrorBody = 2048
)

// Client talks to the B2Chat platform API. Tokens come from the OAuth2
// client-credentials flow; transient failures are retried with exponential
// backoff, honoring Retry-After on rate limits.
type Client struct {
	httpClient *http.Client
	baseURL    string
	maxRetries int
}

func NewClient(cfg config.B2ChatConfig) *Client {
	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.AuthURL,
		AuthStyle:    oauth2.AuthStyleInHeader,
	}

	base := &http.Client{Timeout: cfg.GetTimeout()}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)

	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	return &Client{
		httpClient: cc.Client(ctx),
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		maxRetries: maxRetries,
	}
}

type ContactExportRequest struct {
	Page     int
	PageSize int
	Mobile   string
	From     *time.Time
	To       *time.Time
}

type ChatSearchRequest struct {
	Page      int
	PageSize  int
	From      *time.Time
	To        *time.Time
	ContactID string
}

// ExportContacts fetches one page of the contacts export.
func (c *Client) ExportContacts(ctx context.Context, req ContactExportRequest) (*ContactPage, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(req.Page))
	q.Set("size", strconv.Itoa(req.PageSize))
	if req.Mobile != "" {
		q.Set("mobile", req.Mobile)
	}
	if req.From != nil {
		q.Set("from", req.From.UTC().Format(time.RFC3339))
	}
	if req.To != nil {
		q.Set("to", req.To.UTC().Format(time.RFC3339))
	}

	var page ContactPage
	if err := c.get(ctx, "/contacts/export", q, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// SearchChats fetches one page of chats (messages included) in a window.
func (c *Client) SearchChats(ctx context.Context, req ChatSearchRequest) (*ChatPage, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(req.Page))
	q.Set("size", strconv.Itoa(req.PageSize))
	if req.From != nil {
		q.Set("from", req.From.UTC().Format(time.RFC3339))
	}
	if req.To != nil {
		q.Set("to", req.To.UTC().Format(time.RFC3339))
	}
	if req.ContactID != "" {
		q.Set("contact_id", req.ContactID)
	}

	var page ChatPage
	if err := c.get(ctx, "/chats/messaging", q, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (c *Client) get(ctx context.Context, endpoint string, q url.Values, out any) error {
	reqURL := c.baseURL + endpoint
	if len(q) > 0 {
		reqURL += "?" + q.Encode()
	}

	var lastErr *APIError
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepContext(ctx, backoffFor(attempt, lastErr)); err != nil {
				return err
			}
			logger.Log.Debug("Retrying B2Chat request",
				zap.String("endpoint", endpoint),
				zap.Int("attempt", attempt+1),
			)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return fmt.Errorf("failed to build request for %s: %w", endpoint, err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = &APIError{
				Endpoint:   endpoint,
				RequestURL: reqURL,
				Retryable:  true,
				Attempts:   attempt + 1,
				Err:        err,
			}
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode == http.StatusOK {
			if readErr != nil {
				lastErr = &APIError{
					Endpoint:   endpoint,
					RequestURL: reqURL,
					Retryable:  true,
					Attempts:   attempt + 1,
					Err:        readErr,
				}
				continue
			}
			if err := json.Unmarshal(body, out); err != nil {
				return &APIError{
					StatusCode:  resp.StatusCode,
					Endpoint:    endpoint,
					RequestURL:  reqURL,
					RawResponse: truncateBody(body),
					Attempts:    attempt + 1,
					Err:         fmt.Errorf("invalid response body: %w", err),
				}
			}
			return nil
		}

		apiErr := &APIError{
			StatusCode:  resp.StatusCode,
			Endpoint:    endpoint,
			RequestURL:  reqURL,
			RawResponse: truncateBody(body),
			Attempts:    attempt + 1,
			Retryable:   resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
		}
		if !apiErr.Retryable {
			return apiErr
		}
		apiErr.retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		lastErr = apiErr
	}

	return lastErr
}

func backoffFor(attempt int, last *APIError) time.Duration {
	if last != nil && last.retryAfter > 0 {
		return last.retryAfter
	}
	d := time.Second << uint(attempt-1)
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func parseRetryAfter(h string) time.Duration {
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(h); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(h); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func truncateBody(body []byte) string {
	if len(body) > maxErrorBody {
		return string(body[:maxErrorBody])
	}
	return string(body)
}
