// Package client is the node's REST client for coordinator bootstrap:
// logging in with an account API key and registering the node on first
// run. Day-to-day traffic goes over the tunnel, not through here.
package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client talks to the coordinator's HTTP API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string
}

// New creates a client for the coordinator at the given base URL.
func New(coordinatorURL string) *Client {
	return &Client{
		baseURL: coordinatorURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// SetToken installs a bearer token for subsequent requests.
func (c *Client) SetToken(token string) {
	c.token = token
}

// Token returns the bearer token currently in use, empty when none.
func (c *Client) Token() string {
	return c.token
}

// Login exchanges an account API key for a bearer token and installs it
// on the client.
func (c *Client) Login(accountID, apiKey string) (string, error) {
	req := map[string]string{
		"account_id": accountID,
		"api_key":    apiKey,
	}

	var resp struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := c.post("/api/auth/login", req, &resp); err != nil {
		return "", err
	}

	c.token = resp.Token
	return resp.Token, nil
}

// RegisterNode creates a node record under the account and returns the
// assigned node ID.
func (c *Client) RegisterNode(accountID string, capacity int64, geolocation string) (string, error) {
	req := map[string]interface{}{
		"account_id":       accountID,
		"storage_capacity": capacity,
		"geolocation":      geolocation,
	}

	var resp struct {
		Success bool `json:"success"`
		Node    struct {
			ID string `json:"id"`
		} `json:"node"`
	}
	if err := c.post("/api/nodes/register", req, &resp); err != nil {
		return "", err
	}
	if !resp.Success || resp.Node.ID == "" {
		return "", fmt.Errorf("registration gave no node ID")
	}
	return resp.Node.ID, nil
}

func (c *Client) post(path string, body interface{}, result interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return apiError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(result)
}

// apiError surfaces the coordinator's error message when the body
// carries one.
func apiError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		return fmt.Errorf("coordinator refused: %s (status %d)", payload.Error, resp.StatusCode)
	}
	return fmt.Errorf("request failed with status: %d", resp.StatusCode)
}
