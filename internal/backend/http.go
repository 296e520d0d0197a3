package backend

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

const maxErrorBody = 64 << 10

// HTTPClient は HTTP/JSON で合成バックエンドを呼び出します。
type HTTPClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewHTTPClient は HTTPClient を作成します。timeout は 1 リクエストあたりの上限です（ダウンロードは除く）。
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) (*HTTPClient, error) {
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid backend url: %w", err)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}, nil
}

type submitResponse struct {
	ID string `json:"id"`
}

type pollResponse struct {
	Status   Status         `json:"status"`
	Progress int            `json:"progress"`
	Error    *errorResponse `json:"error,omitempty"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	Error errorResponse `json:"error"`
}

// Submit は生成を投入します。
func (c *HTTPClient) Submit(ctx context.Context, req Request) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	var out submitResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/generations", body, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", unavailable("backend accepted the request without an id")
	}
	return out.ID, nil
}

// Poll は生成状態を取得します。
func (c *HTTPClient) Poll(ctx context.Context, id string) (*State, error) {
	var out pollResponse
	if err := c.doJSON(ctx, http.MethodGet, "/v1/generations/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	state := &State{Status: out.Status, Progress: out.Progress}
	switch out.Status {
	case StatusPending, StatusRunning, StatusSucceeded:
	case StatusFailed:
		state.Failure = &Error{Kind: KindFailed, Message: "video generation failed"}
		if out.Error != nil {
			state.Failure = toError(*out.Error, KindFailed)
		}
	default:
		return nil, unavailable("unknown backend status %q", out.Status)
	}
	return state, nil
}

// Download は完成動画のストリームを返します。呼び出し側が Close します。
func (c *HTTPClient) Download(ctx context.Context, id string) (io.ReadCloser, int64, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/v1/generations/"+url.PathEscape(id)+"/content", nil)
	if err != nil {
		return nil, 0, err
	}
	// 本体の転送には Client.Timeout を適用しない
	client := &http.Client{Transport: c.http.Transport}
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, unavailable("download %s: %v", id, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, 0, decodeError(resp)
	}
	return resp.Body, resp.ContentLength, nil
}

func (c *HTTPClient) doJSON(ctx context.Context, method, path string, body []byte, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return unavailable("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return unavailable("decode %s response: %v", path, err)
	}
	return nil
}

func (c *HTTPClient) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return req, nil
}

// decodeError は 5xx と 429 を一時的な障害、それ以外の 4xx を恒久的な拒否として扱います。
func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return unavailable("backend returned %d", resp.StatusCode)
	}
	if resp.StatusCode == http.StatusNotFound {
		return &Error{Kind: KindFailed, Message: "generation not found on backend"}
	}
	var env errorEnvelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Error.Message == "" {
		return &Error{Kind: KindInvalid, Message: fmt.Sprintf("backend rejected the request (status %d)", resp.StatusCode)}
	}
	return toError(env.Error, KindInvalid)
}

func toError(e errorResponse, fallback Kind) *Error {
	kind := fallback
	switch Kind(e.Code) {
	case KindPolicy:
		kind = KindPolicy
	case KindInvalid:
		kind = KindInvalid
	case KindFailed:
		kind = KindFailed
	}
	msg := e.Message
	if msg == "" {
		msg = string(kind)
	}
	return &Error{Kind: kind, Message: msg}
}

// AsError はエラーチェーンから *Error を取り出します。
func AsError(err error) (*Error, bool) {
	var be *Error
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}
