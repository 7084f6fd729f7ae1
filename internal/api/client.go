// Package api is the typed HTTP client for the remote workbench API.
//
// Every response body is the standard envelope {success, data, msg}; an
// HTTP 200 with success=false is an application-level error and surfaces
// as *APIError. A 401 always surfaces as ErrUnauthorized so callers can
// force a logout.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrUnauthorized is returned when the server rejects the session token.
// A session that fails auth can neither pull nor push; callers log out.
var ErrUnauthorized = errors.New("authentication rejected")

// HTTPError is a non-2xx response outside the auth path.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("http %d", e.StatusCode)
}

// APIError is an application-level failure reported inside a 200 envelope.
type APIError struct {
	Msg string
}

func (e *APIError) Error() string {
	return "api error: " + e.Msg
}

// Account is the authenticated identity returned by login and refreshed by
// pull responses.
type Account struct {
	Token    string `json:"token,omitempty"`
	UID      string `json:"baseid"`
	Nickname string `json:"nickname"`
	Email    string `json:"email,omitempty"`
	Plan     string `json:"plan"`
	Quota    int64  `json:"quota,omitempty"`
	Expire   int64  `json:"expire,omitempty"` // unix ms, plan expiry
}

// Editor identifies the account behind a remote change.
type Editor struct {
	UID      string `json:"uid"`
	Nickname string `json:"nickname"`
	Email    string `json:"email,omitempty"`
}

// WriteResult is the payload of a successful PUT/DELETE of a resource.
type WriteResult struct {
	USN    int64  `json:"usn"`
	ShowID string `json:"showid,omitempty"`
}

// WorkspaceDelta is one workspace entry in a pull response.
type WorkspaceDelta struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Role       string `json:"role"`
	ExpiredAt  int64  `json:"expired_at,omitempty"` // unix ms, 0 = not revoked
	USN        int64  `json:"usn"`
	EncContent string `json:"encContent,omitempty"`
	CreatedBy  string `json:"created_by,omitempty"`
}

// ResourceDelta is one resource entry in a pull response.
type ResourceDelta struct {
	ID           string `json:"id"` // document id
	Type         string `json:"type"`
	Name         string `json:"name"`
	EncContent   string `json:"encContent"`
	USN          int64  `json:"usn"`
	LastEdited   int64  `json:"last_edited"`
	LastEditedBy string `json:"last_edited_by"`
	CreatedBy    string `json:"created_by"`
	By           Editor `json:"by"`
}

// PullDelta is the full pull response: a new cursor, an optional account
// refresh, and the four reconciliation lists.
type PullDelta struct {
	PullAt            int64            `json:"pull_at"`
	User              *Account         `json:"user,omitempty"`
	UpsertWorkspaces  []WorkspaceDelta `json:"upsertWorkspaces"`
	DeletedWorkspaces []WorkspaceDelta `json:"deletedWorkspaces"`
	UpsertResources   []ResourceDelta  `json:"upsertResources"`
	DeletedResources  []ResourceDelta  `json:"deletedResources"`
}

// Client talks to one remote workbench host on behalf of one session.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a client for the given host. token may be empty until
// login; set it with SetToken afterwards.
func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
	}
}

// SetToken swaps the session token used for subsequent requests.
func (c *Client) SetToken(token string) {
	c.token = strings.TrimSpace(token)
}

// Login authenticates with email and password.
func (c *Client) Login(ctx context.Context, email, password string) (*Account, error) {
	body := map[string]string{"email": email, "password": password}
	var out Account
	if err := c.doJSON(ctx, http.MethodPost, "/login", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SkeyLogin authenticates with a pre-issued session key.
func (c *Client) SkeyLogin(ctx context.Context, skey string) (*Account, error) {
	body := map[string]string{"skey": skey}
	var out Account
	if err := c.doJSON(ctx, http.MethodPost, "/skey_login", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Pull fetches the delta for a workspace: everything that changed in the
// account's workspace list since lastWorkspacesCheckAt, plus the resource
// changes in workspaceID since lastPullAt.
func (c *Client) Pull(ctx context.Context, workspaceID string, lastWorkspacesCheckAt, lastPullAt int64) (*PullDelta, error) {
	q := url.Values{}
	q.Set("last_workspaces_check_at", fmt.Sprintf("%d", lastWorkspacesCheckAt))
	q.Set("last_pull_at", fmt.Sprintf("%d", lastPullAt))
	path := fmt.Sprintf("/projects/%s/pull?%s", url.PathEscape(workspaceID), q.Encode())

	var out PullDelta
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PutWorkspace uploads a workspace snapshot.
func (c *Client) PutWorkspace(ctx context.Context, id, encContent string) (*WriteResult, error) {
	return c.putResource(ctx, fmt.Sprintf("/projects/%s", url.PathEscape(id)), encContent)
}

// DeleteWorkspace deletes a workspace server-side.
func (c *Client) DeleteWorkspace(ctx context.Context, id string) (*WriteResult, error) {
	return c.deleteResource(ctx, fmt.Sprintf("/projects/%s", url.PathEscape(id)))
}

// PutFolder uploads a folder snapshot.
func (c *Client) PutFolder(ctx context.Context, workspaceID, id, encContent string) (*WriteResult, error) {
	return c.putResource(ctx, fmt.Sprintf("/projects/%s/folders/%s", url.PathEscape(workspaceID), url.PathEscape(id)), encContent)
}

// DeleteFolder deletes a folder server-side.
func (c *Client) DeleteFolder(ctx context.Context, workspaceID, id string) (*WriteResult, error) {
	return c.deleteResource(ctx, fmt.Sprintf("/projects/%s/folders/%s", url.PathEscape(workspaceID), url.PathEscape(id)))
}

// PutRequest uploads a request snapshot.
func (c *Client) PutRequest(ctx context.Context, workspaceID, id, encContent string) (*WriteResult, error) {
	return c.putResource(ctx, fmt.Sprintf("/projects/%s/reqs/%s", url.PathEscape(workspaceID), url.PathEscape(id)), encContent)
}

// DeleteRequest deletes a request server-side.
func (c *Client) DeleteRequest(ctx context.Context, workspaceID, id string) (*WriteResult, error) {
	return c.deleteResource(ctx, fmt.Sprintf("/projects/%s/reqs/%s", url.PathEscape(workspaceID), url.PathEscape(id)))
}

// UpdateResponse publishes a response body for a request, out of band of
// the snapshot sync.
func (c *Client) UpdateResponse(ctx context.Context, workspaceID, requestID, body string) error {
	path := fmt.Sprintf("/projects/%s/reqs/%s/update_response", url.PathEscape(workspaceID), url.PathEscape(requestID))
	return c.doJSON(ctx, http.MethodPut, path, map[string]string{"body": body}, nil)
}

func (c *Client) putResource(ctx context.Context, path, encContent string) (*WriteResult, error) {
	var out WriteResult
	if err := c.doJSON(ctx, http.MethodPut, path, map[string]string{"encContent": encContent}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) deleteResource(ctx context.Context, path string) (*WriteResult, error) {
	var out WriteResult
	if err := c.doJSON(ctx, http.MethodDelete, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// envelope is the standard response wrapper.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Msg     string          `json:"msg"`
}

func (c *Client) doJSON(ctx context.Context, method, requestPath string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("X-Token", c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, requestPath, err)
	}
	payload, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return fmt.Errorf("%s %s: %w", method, requestPath, readErr)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var env envelope
		_ = json.Unmarshal(payload, &env)
		return &HTTPError{StatusCode: resp.StatusCode, Message: env.Msg}
	}

	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return fmt.Errorf("%s %s: malformed response: %w", method, requestPath, err)
	}
	if !env.Success {
		return &APIError{Msg: env.Msg}
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("%s %s: malformed data: %w", method, requestPath, err)
	}
	return nil
}
