// Package deployapi talks to the hosting service's deploy API.
package deployapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

const RequestIDHeader = "X-Request-Id"

type Client struct {
	BaseURL    string
	Token      string
	UserAgent  string
	HTTPClient *http.Client
}

var _ API = (*Client)(nil)

// New returns a client for the API rooted at baseURL, e.g.
// https://api.example.com. The /api/v1 prefix is added per request.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		Token:      token,
		UserAgent:  "deploysync",
		HTTPClient: http.DefaultClient,
	}
}

func (c *Client) apiURL(format string, args ...any) string {
	for i, a := range args {
		if s, ok := a.(string); ok {
			args[i] = url.PathEscape(s)
		}
	}
	return c.BaseURL + "/api/v1" + fmt.Sprintf(format, args...)
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	reqID := uuid.NewString()
	req.Header.Set("Authorization", "Bearer "+c.Token)
	req.Header.Set(RequestIDHeader, reqID)
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		resp.Body.Close()
		apiErr := parseAPIError(resp.StatusCode, body)
		apiErr.RequestID = reqID
		return nil, apiErr
	}
	return resp, nil
}

func (c *Client) doJSON(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf(
			"%s %s: decode response: %w",
			req.Method, req.URL.Path, err,
		)
	}
	return nil
}

// APIError is a non-2xx response from the service.
type APIError struct {
	StatusCode int
	Message    string
	Code       string
	RequestID  string
}

func (e *APIError) Error() string {
	var s string
	if e.Code != "" {
		s = fmt.Sprintf(
			"api %d (%s): %s",
			e.StatusCode, e.Code, e.Message,
		)
	} else {
		s = fmt.Sprintf("api %d: %s", e.StatusCode, e.Message)
	}
	if e.RequestID != "" {
		s += " [request " + e.RequestID + "]"
	}
	return s
}

func (e *APIError) HTTPStatus() int {
	return e.StatusCode
}

func parseAPIError(status int, body []byte) *APIError {
	var parsed struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if json.Unmarshal(body, &parsed) == nil && parsed.Error != "" {
		return &APIError{
			StatusCode: status,
			Message:    parsed.Error,
			Code:       parsed.Code,
		}
	}
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &APIError{StatusCode: status, Message: msg}
}

func (c *Client) CreateDeploy(
	ctx context.Context,
	site string,
	body *CreateDeployRequest,
) (*Deploy, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(
		ctx, "POST", c.apiURL("/sites/%s/deploys", site),
		bytes.NewReader(buf),
	)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	var d Deploy
	if err := c.doJSON(req, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (c *Client) GetDeploy(
	ctx context.Context,
	site, deployID string,
) (*Deploy, error) {
	req, err := http.NewRequestWithContext(
		ctx, "GET",
		c.apiURL("/sites/%s/deploys/%s", site, deployID),
		nil,
	)
	if err != nil {
		return nil, err
	}
	var d Deploy
	if err := c.doJSON(req, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (c *Client) UploadBlob(
	ctx context.Context,
	deployID, digest string,
	size int64,
	body io.Reader,
) error {
	req, err := http.NewRequestWithContext(
		ctx, "PUT",
		c.apiURL("/deploys/%s/blobs/%s", deployID, digest),
		body,
	)
	if err != nil {
		return err
	}
	req.ContentLength = size
	if size == 0 {
		req.Body = http.NoBody
	}
	req.Header.Set(
		"Content-Type", "application/octet-stream",
	)
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return nil
}

func (c *Client) GetSite(
	ctx context.Context,
	site string,
) (*Site, error) {
	req, err := http.NewRequestWithContext(
		ctx, "GET", c.apiURL("/sites/%s", site), nil,
	)
	if err != nil {
		return nil, err
	}
	var s Site
	if err := c.doJSON(req, &s); err != nil {
		return nil, err
	}
	return &s, nil
}
