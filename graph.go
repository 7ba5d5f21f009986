package calnotify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Songmu/flextime"
)

// SubscriptionAPI is a thin client for the provider's subscription resource.
type SubscriptionAPI interface {
	CreateSubscription(ctx context.Context, item *SubscriptionItem) (*SubscriptionItem, error)
	RenewSubscription(ctx context.Context, subscriptionID string, newExpiration time.Time) (time.Time, error)
	DeleteSubscription(ctx context.Context, subscriptionID string) error
	ListSubscriptions(ctx context.Context) ([]*SubscriptionItem, error)
}

// ResourceFetcher retrieves the current full representation of a watched
// resource.
type ResourceFetcher interface {
	FetchResource(ctx context.Context, resourcePath string, resourceID string) (*ResourceSnapshot, error)
}

// ThrottledError is a retryable upstream failure (rate limiting or a 5xx).
type ThrottledError struct {
	StatusCode int
	RetryAfter time.Duration
}

func (err *ThrottledError) Error() string {
	return fmt.Sprintf("upstream throttled (status:%d, retry_after:%s)", err.StatusCode, err.RetryAfter)
}

// RejectedError is a fatal upstream failure; the request will not succeed on
// retry.
type RejectedError struct {
	StatusCode int
	Code       string
	Message    string
}

func (err *RejectedError) Error() string {
	return fmt.Sprintf("upstream rejected request (status:%d, code:%s): %s", err.StatusCode, err.Code, err.Message)
}

type ResourceNotFound struct {
	Resource string
}

func (err *ResourceNotFound) Error() string {
	return fmt.Sprintf("resource %s not found", err.Resource)
}

// GraphClient talks to a Microsoft Graph style REST API. It implements both
// SubscriptionAPI and ResourceFetcher.
type GraphClient struct {
	endpoint    string
	httpClient  *http.Client
	credentials CredentialProvider
	changeTypes string
}

// GraphOption contains configuration for the provider API client.
type GraphOption struct {
	Endpoint    string `help:"provider API endpoint" default:"https://graph.microsoft.com/v1.0" env:"CALNOTIFY_GRAPH_ENDPOINT"`
	ChangeTypes string `help:"change types to subscribe" default:"updated,deleted" env:"CALNOTIFY_GRAPH_CHANGE_TYPES"`
}

func NewGraphClient(cfg GraphOption, credentials CredentialProvider) *GraphClient {
	return &GraphClient{
		endpoint:    strings.TrimSuffix(cfg.Endpoint, "/"),
		httpClient:  &http.Client{},
		credentials: credentials,
		changeTypes: cfg.ChangeTypes,
	}
}

type graphSubscription struct {
	ID                 string `json:"id,omitempty"`
	ChangeType         string `json:"changeType,omitempty"`
	NotificationURL    string `json:"notificationUrl,omitempty"`
	Resource           string `json:"resource,omitempty"`
	ExpirationDateTime string `json:"expirationDateTime,omitempty"`
	ClientState        string `json:"clientState,omitempty"`
}

type graphError struct {
	Err struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *GraphClient) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		bs, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(bs)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, reader)
	if err != nil {
		return nil, err
	}
	token, err := c.credentials.GetToken(ctx)
	if err != nil {
		return nil, &AuthUnavailable{Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < http.StatusBadRequest {
		return resp, nil
	}
	defer resp.Body.Close()
	return nil, newUpstreamError(ctx, resp)
}

func newUpstreamError(ctx context.Context, resp *http.Response) error {
	bs, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
		retryAfter := time.Duration(0)
		if v := resp.Header.Get("Retry-After"); v != "" {
			if secs, err := strconv.Atoi(v); err == nil {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		return &ThrottledError{StatusCode: resp.StatusCode, RetryAfter: retryAfter}
	case resp.StatusCode == http.StatusNotFound:
		return &ResourceNotFound{Resource: resp.Request.URL.Path}
	default:
		var ge graphError
		if err := json.Unmarshal(bs, &ge); err != nil {
			slog.DebugContext(ctx, "upstream error body is not json", "status", resp.StatusCode, "body", string(bs))
		}
		return &RejectedError{StatusCode: resp.StatusCode, Code: ge.Err.Code, Message: ge.Err.Message}
	}
}

func (c *GraphClient) CreateSubscription(ctx context.Context, item *SubscriptionItem) (*SubscriptionItem, error) {
	resp, err := c.do(ctx, http.MethodPost, "/subscriptions", &graphSubscription{
		ChangeType:         c.changeTypes,
		NotificationURL:    item.NotificationURL,
		Resource:           item.ResourcePath,
		ExpirationDateTime: item.Expiration.UTC().Format(time.RFC3339),
		ClientState:        item.ClientState,
	})
	if err != nil {
		slog.DebugContext(ctx, "provider API subscriptions:create failed", "error", err)
		return nil, fmt.Errorf("provider API subscriptions:create: %w", err)
	}
	defer resp.Body.Close()
	var sub graphSubscription
	if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
		return nil, fmt.Errorf("provider API subscriptions:create decode: %w", err)
	}
	created := *item
	created.SubscriptionID = sub.ID
	if t, err := time.Parse(time.RFC3339, sub.ExpirationDateTime); err == nil {
		created.Expiration = t
	}
	return &created, nil
}

func (c *GraphClient) RenewSubscription(ctx context.Context, subscriptionID string, newExpiration time.Time) (time.Time, error) {
	resp, err := c.do(ctx, http.MethodPatch, "/subscriptions/"+url.PathEscape(subscriptionID), &graphSubscription{
		ExpirationDateTime: newExpiration.UTC().Format(time.RFC3339),
	})
	if err != nil {
		slog.DebugContext(ctx, "provider API subscriptions:renew failed", "subscription_id", subscriptionID, "error", err)
		return time.Time{}, fmt.Errorf("provider API subscriptions:renew: %w", err)
	}
	defer resp.Body.Close()
	var sub graphSubscription
	if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
		return time.Time{}, fmt.Errorf("provider API subscriptions:renew decode: %w", err)
	}
	t, err := time.Parse(time.RFC3339, sub.ExpirationDateTime)
	if err != nil {
		// the provider accepted the renewal; fall back to what we asked for
		slog.WarnContext(ctx, "renew response expiration unparsable", "subscription_id", subscriptionID, "value", sub.ExpirationDateTime)
		return newExpiration, nil
	}
	return t, nil
}

func (c *GraphClient) DeleteSubscription(ctx context.Context, subscriptionID string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/subscriptions/"+url.PathEscape(subscriptionID), nil)
	if err != nil {
		return fmt.Errorf("provider API subscriptions:delete: %w", err)
	}
	resp.Body.Close()
	return nil
}

func (c *GraphClient) ListSubscriptions(ctx context.Context) ([]*SubscriptionItem, error) {
	resp, err := c.do(ctx, http.MethodGet, "/subscriptions", nil)
	if err != nil {
		return nil, fmt.Errorf("provider API subscriptions:list: %w", err)
	}
	defer resp.Body.Close()
	var list struct {
		Value []*graphSubscription `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("provider API subscriptions:list decode: %w", err)
	}
	items := make([]*SubscriptionItem, 0, len(list.Value))
	for _, sub := range list.Value {
		item := &SubscriptionItem{
			SubscriptionID:  sub.ID,
			ResourcePath:    sub.Resource,
			NotificationURL: sub.NotificationURL,
			Active:          true,
		}
		if t, err := time.Parse(time.RFC3339, sub.ExpirationDateTime); err == nil {
			item.Expiration = t
		}
		items = append(items, item)
	}
	return items, nil
}

type graphEvent struct {
	ID        string `json:"id"`
	ETag      string `json:"@odata.etag"`
	Attendees []struct {
		EmailAddress struct {
			Address string `json:"address"`
		} `json:"emailAddress"`
		Status struct {
			Response string `json:"response"`
		} `json:"status"`
	} `json:"attendees"`
}

// FetchResource GETs the resource path delivered in a notification and
// converts the event representation into a snapshot. The resource is fetched
// wholesale; the snapshot fully replaces any prior one.
func (c *GraphClient) FetchResource(ctx context.Context, resourcePath string, resourceID string) (*ResourceSnapshot, error) {
	resp, err := c.do(ctx, http.MethodGet, "/"+strings.TrimPrefix(resourcePath, "/"), nil)
	if err != nil {
		slog.DebugContext(ctx, "provider API resource fetch failed", "resource", resourcePath, "error", err)
		return nil, fmt.Errorf("provider API resource fetch: %w", err)
	}
	defer resp.Body.Close()
	var event graphEvent
	if err := json.NewDecoder(resp.Body).Decode(&event); err != nil {
		return nil, fmt.Errorf("provider API resource fetch decode: %w", err)
	}
	snapshot := &ResourceSnapshot{
		ResourceID:     resourceID,
		ETag:           event.ETag,
		AttendeeStates: make(map[string]ResponseState, len(event.Attendees)),
		CapturedAt:     flextime.Now(),
	}
	if snapshot.ResourceID == "" {
		snapshot.ResourceID = event.ID
	}
	for _, attendee := range event.Attendees {
		if attendee.EmailAddress.Address == "" {
			continue
		}
		snapshot.AttendeeStates[attendee.EmailAddress.Address] = ParseResponseState(attendee.Status.Response)
	}
	return snapshot, nil
}
