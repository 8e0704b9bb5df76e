package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultTimeout bounds a single request; the replication loops add their
// own backoff on top.
const DefaultTimeout = 15 * time.Second

// Client talks to the beacon server's HTTP API. The bearer token is mutable
// because registration happens after construction and re-registration can
// replace it while the replication loops are running.
type Client struct {
	baseURL    string
	httpClient *http.Client

	mu    sync.RWMutex
	token string
}

type Option func(*Client)

func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) { c.httpClient = client }
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken installs the bearer token returned by registration.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Token returns the current bearer token, empty before registration.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// WebSocketURL is the live channel endpoint derived from the base URL.
func (c *Client) WebSocketURL() string {
	u := c.baseURL + "/ws"
	if strings.HasPrefix(u, "https://") {
		return "wss://" + strings.TrimPrefix(u, "https://")
	}
	if strings.HasPrefix(u, "http://") {
		return "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u
}

func (c *Client) do(ctx context.Context, method, path string, body any, query url.Values, idemKey string, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		if len(data) > 0 {
			_ = json.Unmarshal(data, apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}
	return nil
}

// RegisterRequest is the registration body. The id is client-generated so
// the call is a safe replay after a crash.
type RegisterRequest struct {
	ID        string `json:"id"`
	Nickname  string `json:"nickname"`
	PublicKey string `json:"public_key"`
}

func (c *Client) RegisterDevice(ctx context.Context, req *RegisterRequest) (*RegisteredDevice, error) {
	var out RegisteredDevice
	if err := c.do(ctx, http.MethodPost, "/device/register", req, nil, req.ID, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) UpdateDevice(ctx context.Context, deviceID string, body json.RawMessage, idemKey string) (*Device, error) {
	var out Device
	if err := c.do(ctx, http.MethodPatch, "/device/"+url.PathEscape(deviceID), body, nil, idemKey, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) PutStatus(ctx context.Context, body json.RawMessage, idemKey string) (*UserStatus, error) {
	var out UserStatus
	if err := c.do(ctx, http.MethodPut, "/status", body, nil, idemKey, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateGroupRequest is the only mutation that cannot ride the queue: group
// ids are server-assigned and the caller needs the id back immediately.
type CreateGroupRequest struct {
	Name      string  `json:"name"`
	Type      string  `json:"type"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

func (c *Client) CreateGroup(ctx context.Context, req *CreateGroupRequest) (*Group, error) {
	var out Group
	if err := c.do(ctx, http.MethodPost, "/groups", req, nil, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) RenameGroup(ctx context.Context, groupID string, body json.RawMessage, idemKey string) (*Group, error) {
	var out Group
	if err := c.do(ctx, http.MethodPatch, "/groups/"+url.PathEscape(groupID), body, nil, idemKey, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListGroups(ctx context.Context) ([]Group, error) {
	var out []Group
	if err := c.do(ctx, http.MethodGet, "/groups", nil, nil, "", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// NearbyGroups lists groups anchored around the given coordinates.
func (c *Client) NearbyGroups(ctx context.Context, latitude, longitude float64) ([]Group, error) {
	query := url.Values{}
	query.Set("lat", strconv.FormatFloat(latitude, 'f', -1, 64))
	query.Set("lon", strconv.FormatFloat(longitude, 'f', -1, 64))
	var out []Group
	if err := c.do(ctx, http.MethodGet, "/groups", nil, query, "", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Favorite(ctx context.Context, groupID, idemKey string) (*Favorite, error) {
	var out Favorite
	if err := c.do(ctx, http.MethodPost, "/groups/"+url.PathEscape(groupID)+"/favorite", nil, nil, idemKey, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Unfavorite(ctx context.Context, groupID, idemKey string) error {
	return c.do(ctx, http.MethodDelete, "/groups/"+url.PathEscape(groupID)+"/favorite", nil, nil, idemKey, nil)
}

func (c *Client) PostMessage(ctx context.Context, groupID string, body json.RawMessage, idemKey string) (*Message, error) {
	var out Message
	if err := c.do(ctx, http.MethodPost, "/groups/"+url.PathEscape(groupID)+"/messages", body, nil, idemKey, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Pin(ctx context.Context, messageID, idemKey string) (*Pin, error) {
	var out Pin
	if err := c.do(ctx, http.MethodPost, "/messages/"+url.PathEscape(messageID)+"/pin", nil, nil, idemKey, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Unpin(ctx context.Context, messageID, idemKey string) error {
	return c.do(ctx, http.MethodDelete, "/messages/"+url.PathEscape(messageID)+"/pin", nil, nil, idemKey, nil)
}

// Changes fetches one page of the delta feed for a collection. since is the
// watermark cursor from the previous page, empty for a full resync.
func (c *Client) Changes(ctx context.Context, collection, since string, limit int) (*ChangePage, error) {
	query := url.Values{}
	query.Set("collection", collection)
	if since != "" {
		query.Set("since", since)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var out ChangePage
	if err := c.do(ctx, http.MethodGet, "/changes", nil, query, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}
