package viewer

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/elemento-modular-cloud/rdpbridge/internal/journal"
	"github.com/elemento-modular-cloud/rdpbridge/internal/ws"
)

// HTTPClient reads the bridge's REST endpoints.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPClient creates a client targeting the given base URL (e.g. "http://127.0.0.1:9000").
func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// GetStatus fetches /api/status.
func (c *HTTPClient) GetStatus() (*ws.Status, error) {
	var s ws.Status
	if err := c.get("/api/status", &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Clients is the /api/clients response.
type Clients struct {
	Live    []ws.ClientInfo `json:"live"`
	History []journal.Entry `json:"history,omitempty"`
}

// GetClients fetches /api/clients.
func (c *HTTPClient) GetClients() (*Clients, error) {
	var out Clients
	if err := c.get("/api/clients", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) get(path string, out interface{}) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("GET %s: %d %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// HTTPBase converts ws://host:port/ws into http://host:port.
func HTTPBase(wsURL string) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", err
	}
	scheme := "http"
	if u.Scheme == "wss" || u.Scheme == "https" {
		scheme = "https"
	}
	if u.Host == "" {
		return "", fmt.Errorf("no host in %q", wsURL)
	}
	return fmt.Sprintf("%s://%s", scheme, u.Host), nil
}
