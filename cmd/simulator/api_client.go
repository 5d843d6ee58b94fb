package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/gowdhamkrishna/chatup/internal/protocol"
)

// APIClient handles HTTP communication with the backend
type APIClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewAPIClient creates a new API client
func NewAPIClient(baseURL string) *APIClient {
	return &APIClient{
		baseURL: baseURL + "/api/v1",
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// ListUsers returns every user with its live online flag.
func (c *APIClient) ListUsers() ([]protocol.UserView, error) {
	var result struct {
		Users []protocol.UserView `json:"users"`
	}
	if err := c.getJSON("/users/", "", &result); err != nil {
		return nil, err
	}
	return result.Users, nil
}

func (c *APIClient) Exists(username string) (bool, error) {
	var result struct {
		Exists bool `json:"exists"`
	}
	if err := c.getJSON("/users/"+url.PathEscape(username)+"/exists", "", &result); err != nil {
		return false, err
	}
	return result.Exists, nil
}

// History returns username's stored messages. token must belong to username.
func (c *APIClient) History(token, username string) ([]protocol.MessageView, error) {
	var result protocol.HistoryPayload
	if err := c.getJSON("/users/"+url.PathEscape(username)+"/messages", token, &result); err != nil {
		return nil, err
	}
	return result.Messages, nil
}

func (c *APIClient) getJSON(path, token string, v interface{}) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("GET %s failed with status %d: %s", path, resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
