package viewer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Client fetches metadata and frames from the backend's /view routes.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

type viewResponse struct {
	ImageSetID string          `json:"imageSetId"`
	FrameCount int             `json:"frameCount"`
	FrameIDs   []string        `json:"frameIds"`
	Metadata   json.RawMessage `json:"dicomMetadata"`
}

func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", path, err)
	}
	if resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("GET %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return resp, nil
}

func (c *Client) FetchMetadata(ctx context.Context, imageSetID string) (*ViewMetadata, error) {
	resp, err := c.get(ctx, "/view/"+url.PathEscape(imageSetID))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	var vr viewResponse
	if err := json.Unmarshal(body, &vr); err != nil {
		return nil, fmt.Errorf("decode metadata response: %w", err)
	}
	return &ViewMetadata{FrameIDs: vr.FrameIDs, Size: len(body)}, nil
}

func (c *Client) FetchFrame(ctx context.Context, imageSetID, frameID string) (*FramePayload, error) {
	path := fmt.Sprintf("/view/%s/frame/%s/jpeg2000", url.PathEscape(imageSetID), url.PathEscape(frameID))
	resp, err := c.get(ctx, path)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read frame: %w", err)
	}
	return &FramePayload{Data: data, ContentType: resp.Header.Get("Content-Type")}, nil
}
