package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultTimeout      = 30 * time.Second
	DefaultMaxRedirects = 5
	maxReadBytes        = 16 << 20
)

// BlockedError is reported when the egress guard rejects a target.
const BlockedError = "blocked"

// Guard decides whether a URL may be contacted.
type Guard interface {
	IsExternal(ctx context.Context, raw string) bool
}

type Request struct {
	URL     string
	Method  string
	Headers map[string]string
	Body    []byte
}

// Response is the normalized outcome of one request. Code is 0 when no
// response was obtained, in which case Error explains why.
type Response struct {
	Code    int
	Headers map[string]string
	Body    string
	Error   string
}

// OK reports whether the response is a 2xx.
func (r Response) OK() bool {
	return r.Code >= 200 && r.Code < 300
}

type Executor struct {
	guard  Guard
	client *http.Client
}

func New(guard Guard, timeout time.Duration, maxRedirects int) *Executor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if maxRedirects < 0 {
		maxRedirects = DefaultMaxRedirects
	}
	client := &http.Client{
		Timeout: timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) > maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			if guard != nil && !guard.IsExternal(req.Context(), req.URL.String()) {
				return errors.New(BlockedError)
			}
			return nil
		},
	}
	return &Executor{guard: guard, client: client}
}

// Send performs one request. Transport failures never escape as errors.
func (e *Executor) Send(ctx context.Context, r Request) Response {
	if e.guard != nil && !e.guard.IsExternal(ctx, r.URL) {
		return Response{Error: BlockedError}
	}

	method := strings.ToUpper(r.Method)
	if method == "" {
		method = http.MethodPost
	}
	var body io.Reader
	if method != http.MethodGet && len(r.Body) > 0 {
		body = bytes.NewReader(r.Body)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.URL, body)
	if err != nil {
		return Response{Error: fmt.Sprintf("build request: %v", err)}
	}
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return Response{Error: err.Error()}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxReadBytes))
	out := Response{
		Code:    resp.StatusCode,
		Headers: flattenHeaders(resp.Header),
		Body:    string(respBody),
	}
	if err != nil {
		out.Error = fmt.Sprintf("read body: %v", err)
	}
	return out
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = strings.Join(v, ", ")
	}
	return out
}
