// Package pipeline wraps the external content-generation-and-publish
// endpoint. The queue treats it as an atomic black box: either the post came
// out published or the call failed.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client posts publish requests to the pipeline endpoint.
type Client struct {
	url     string
	timeout time.Duration
	http    *http.Client
}

// New builds a client with a fixed per-call budget.
func New(url string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		url:     url,
		timeout: timeout,
		http:    &http.Client{},
	}
}

// Result is the pipeline's success payload.
type Result struct {
	Success bool `json:"success"`
	Post    struct {
		ID     string `json:"id"`
		Link   string `json:"link"`
		Status string `json:"status"`
	} `json:"post"`
}

type publishRequest struct {
	PostID string `json:"postId"`
}

// Publish invokes the pipeline for one post, authenticating with the bearer
// credential captured when the job was enqueued. Non-2xx responses and
// success=false payloads both surface as errors carrying the response body.
func (c *Client) Publish(ctx context.Context, postID, authToken string) (Result, error) {
	body, err := json.Marshal(publishRequest{PostID: postID})
	if err != nil {
		return Result{}, fmt.Errorf("marshal publish request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build publish request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if authToken != "" {
		req.Header.Set("Authorization", "Bearer "+authToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("call publish pipeline: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, fmt.Errorf("read pipeline response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{}, fmt.Errorf("pipeline returned %d: %s", resp.StatusCode, truncate(raw, 512))
	}

	var res Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return Result{}, fmt.Errorf("decode pipeline response: %w", err)
	}
	if !res.Success {
		return res, fmt.Errorf("pipeline reported failure: %s", truncate(raw, 512))
	}
	return res, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
