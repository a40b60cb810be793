package arke

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/Arke-Institute/arke-organizer-service/internal/apperr"
)

// Client talks to the entity store over its REST API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

var _ API = (*Client)(nil)

// NewClient creates a store client. token, when non-empty, is sent as a
// Bearer credential on every request.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

// GetEntity fetches an entity manifest by id.
func (c *Client) GetEntity(ctx context.Context, id string) (*Entity, error) {
	var e Entity
	if err := c.doJSON(ctx, http.MethodGet, "/entities/"+id, nil, &e); err != nil {
		return nil, fmt.Errorf("arke: get entity %s: %w", id, err)
	}
	return &e, nil
}

// Cat returns the raw bytes behind a content address.
func (c *Client) Cat(ctx context.Context, cid string) ([]byte, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/cat/"+cid, nil, "")
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("arke: cat %s: %v: %w", cid, err, apperr.ErrStoreTransient)
	}
	defer resp.Body.Close()
	if err := classifyStatus(resp.StatusCode); err != nil {
		return nil, fmt.Errorf("arke: cat %s: %w", cid, err)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("arke: cat %s: read body: %v: %w", cid, err, apperr.ErrStoreTransient)
	}
	return data, nil
}

// Upload stores data as one multipart file and returns its content address.
func (c *Client) Upload(ctx context.Context, filename string, data []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("arke: upload %s: %w", filename, err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("arke: upload %s: %w", filename, err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("arke: upload %s: %w", filename, err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/upload", &body, mw.FormDataContentType())
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("arke: upload %s: %v: %w", filename, err, apperr.ErrStoreTransient)
	}
	defer resp.Body.Close()
	if err := classifyStatus(resp.StatusCode); err != nil {
		return "", fmt.Errorf("arke: upload %s: %w", filename, err)
	}

	var results []struct {
		CID string `json:"cid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return "", fmt.Errorf("arke: upload %s: decode: %v: %w", filename, err, apperr.ErrStorePermanent)
	}
	if len(results) == 0 || results[0].CID == "" {
		return "", fmt.Errorf("arke: upload %s: empty result: %w", filename, apperr.ErrStorePermanent)
	}
	return results[0].CID, nil
}

// CreateEntity creates a new entity with the given components and parent.
func (c *Client) CreateEntity(ctx context.Context, reqBody CreateEntityRequest) (*Entity, error) {
	var e Entity
	if err := c.doJSON(ctx, http.MethodPost, "/entities", reqBody, &e); err != nil {
		return nil, fmt.Errorf("arke: create entity: %w", err)
	}
	return &e, nil
}

// AppendVersion appends a version to an entity, failing with ErrCASMismatch
// when ExpectTip no longer matches the current tip.
func (c *Client) AppendVersion(ctx context.Context, id string, reqBody AppendVersionRequest) (*Entity, error) {
	var e Entity
	if err := c.doJSON(ctx, http.MethodPost, "/entities/"+id+"/versions", reqBody, &e); err != nil {
		return nil, fmt.Errorf("arke: append version to %s: %w", id, err)
	}
	return &e, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := c.newRequest(ctx, method, path, body, "application/json")
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%v: %w", err, apperr.ErrStoreTransient)
	}
	defer resp.Body.Close()
	if err := classifyStatus(resp.StatusCode); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %v: %w", err, apperr.ErrStorePermanent)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" && body != nil {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func classifyStatus(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusNotFound:
		return apperr.ErrNotFound
	case status == http.StatusConflict:
		return apperr.ErrCASMismatch
	case status == http.StatusTooManyRequests || status >= 500:
		return fmt.Errorf("status %d: %w", status, apperr.ErrStoreTransient)
	default:
		return fmt.Errorf("status %d: %w", status, apperr.ErrStorePermanent)
	}
}
