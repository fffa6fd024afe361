// Package github is a small client for GitHub OAuth and the repository
// contents API.
package github

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
)

const (
	DefaultAPIBaseURL   = "https://api.github.com"
	DefaultOAuthBaseURL = "https://github.com"

	// OAuthScope is requested on every authorize redirect.
	OAuthScope = "repo user"

	acceptJSON = "application/vnd.github.v3+json"
	acceptRaw  = "application/vnd.github.v3.raw"

	maxErrorBody = 64 << 10
)

// Error is a non-2xx response from GitHub.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("github: %d %s", e.Status, e.Message)
}

// IsNotFound reports whether err is a GitHub 404.
func IsNotFound(err error) bool {
	var ghErr *Error
	return errors.As(err, &ghErr) && ghErr.Status == http.StatusNotFound
}

type User struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url"`
	Email     string `json:"email,omitempty"`
}

type Owner struct {
	Login     string `json:"login"`
	AvatarURL string `json:"avatar_url"`
}

type Repository struct {
	ID              int64  `json:"id"`
	Name            string `json:"name"`
	FullName        string `json:"full_name"`
	Description     string `json:"description,omitempty"`
	URL             string `json:"url"`
	HTMLURL         string `json:"html_url"`
	Owner           Owner  `json:"owner"`
	Private         bool   `json:"private"`
	StargazersCount int    `json:"stargazers_count"`
	ForksCount      int    `json:"forks_count"`
	Language        string `json:"language,omitempty"`
	UpdatedAt       string `json:"updated_at"`
}

// Content is one entry of a repository directory listing.
type Content struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	Type        string `json:"type"`
	Size        int64  `json:"size,omitempty"`
	SHA         string `json:"sha"`
	DownloadURL string `json:"download_url,omitempty"`
	HTMLURL     string `json:"html_url,omitempty"`
	Content     string `json:"content,omitempty"`
	Encoding    string `json:"encoding,omitempty"`
}

type Client struct {
	clientID     string
	clientSecret string
	redirectURI  string
	apiBaseURL   string
	oauthBaseURL string
	httpClient   *http.Client
}

type Option func(*Client)

func WithAPIBaseURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.apiBaseURL = strings.TrimRight(u, "/")
		}
	}
}

func WithOAuthBaseURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.oauthBaseURL = strings.TrimRight(u, "/")
		}
	}
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

func New(clientID, clientSecret, redirectURI string, opts ...Option) *Client {
	c := &Client{
		clientID:     clientID,
		clientSecret: clientSecret,
		redirectURI:  redirectURI,
		apiBaseURL:   DefaultAPIBaseURL,
		oauthBaseURL: DefaultOAuthBaseURL,
		httpClient:   &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configured reports whether OAuth credentials are present.
func (c *Client) Configured() bool {
	return c != nil && c.clientID != "" && c.redirectURI != ""
}

// AuthorizeURL is the GitHub consent page the browser is sent to.
func (c *Client) AuthorizeURL(state string) string {
	q := url.Values{}
	q.Set("client_id", c.clientID)
	q.Set("redirect_uri", c.redirectURI)
	q.Set("scope", OAuthScope)
	q.Set("allow_signup", "true")
	if state != "" {
		q.Set("state", state)
	}
	return c.oauthBaseURL + "/login/oauth/authorize?" + q.Encode()
}

// ExchangeCode trades an OAuth callback code for an access token.
func (c *Client) ExchangeCode(ctx context.Context, code string) (string, error) {
	body, err := json.Marshal(map[string]string{
		"client_id":     c.clientID,
		"client_secret": c.clientSecret,
		"code":          code,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.oauthBaseURL+"/login/oauth/access_token", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	var out struct {
		AccessToken      string `json:"access_token"`
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if err := c.doJSON(req, &out); err != nil {
		return "", err
	}
	// GitHub reports OAuth failures with a 200 and an error field.
	if out.Error != "" {
		return "", fmt.Errorf("github oauth error: %s", out.Error)
	}
	if out.AccessToken == "" {
		return "", errors.New("github oauth error: empty access token")
	}
	return out.AccessToken, nil
}

func (c *Client) User(ctx context.Context, token string) (User, error) {
	req, err := c.newAPIRequest(ctx, token, "/user", acceptJSON)
	if err != nil {
		return User{}, err
	}
	var u User
	if err := c.doJSON(req, &u); err != nil {
		return User{}, err
	}
	return u, nil
}

// Repositories lists repos the user owns or collaborates on, most recently
// updated first. A non-empty search filters by name or description.
func (c *Client) Repositories(ctx context.Context, token, search string) ([]Repository, error) {
	req, err := c.newAPIRequest(ctx, token, "/user/repos?sort=updated&per_page=100&affiliation=owner,collaborator", acceptJSON)
	if err != nil {
		return nil, err
	}
	var repos []Repository
	if err := c.doJSON(req, &repos); err != nil {
		return nil, err
	}
	return FilterRepositories(repos, search), nil
}

func FilterRepositories(repos []Repository, search string) []Repository {
	needle := strings.ToLower(strings.TrimSpace(search))
	if needle == "" {
		return repos
	}
	out := make([]Repository, 0, len(repos))
	for _, r := range repos {
		if strings.Contains(strings.ToLower(r.Name), needle) || strings.Contains(strings.ToLower(r.Description), needle) {
			out = append(out, r)
		}
	}
	return out
}

// ListDirectory returns the entries at path. A missing path yields an empty
// listing; a path naming a file yields that file alone.
func (c *Client) ListDirectory(ctx context.Context, token, owner, repo, path string) ([]Content, error) {
	req, err := c.newAPIRequest(ctx, token, contentsPath(owner, repo, path), acceptJSON)
	if err != nil {
		return nil, err
	}
	var raw json.RawMessage
	if err := c.doJSON(req, &raw); err != nil {
		if IsNotFound(err) {
			return []Content{}, nil
		}
		return nil, err
	}
	if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && trimmed[0] == '{' {
		var one Content
		if err := json.Unmarshal(trimmed, &one); err != nil {
			return nil, fmt.Errorf("decode content: %w", err)
		}
		return []Content{one}, nil
	}
	var list []Content
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("decode contents: %w", err)
	}
	if list == nil {
		list = []Content{}
	}
	return list, nil
}

// ReadFile returns the raw text of a file.
func (c *Client) ReadFile(ctx context.Context, token, owner, repo, path string) (string, error) {
	req, err := c.newAPIRequest(ctx, token, contentsPath(owner, repo, path), acceptRaw)
	if err != nil {
		return "", err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", parseError(resp)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	return string(body), nil
}

func contentsPath(owner, repo, path string) string {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	escaped := make([]string, 0, len(segments))
	for _, s := range segments {
		if s != "" {
			escaped = append(escaped, url.PathEscape(s))
		}
	}
	return "/repos/" + url.PathEscape(owner) + "/" + url.PathEscape(repo) + "/contents/" + strings.Join(escaped, "/")
}

func (c *Client) newAPIRequest(ctx context.Context, token, path, accept string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBaseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "token "+token)
	req.Header.Set("Accept", accept)
	return req, nil
}

func (c *Client) doJSON(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return parseError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func parseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var payload struct {
		Message string `json:"message"`
	}
	msg := http.StatusText(resp.StatusCode)
	if json.Unmarshal(body, &payload) == nil && payload.Message != "" {
		msg = payload.Message
	}
	return &Error{Status: resp.StatusCode, Message: msg}
}
