// Copyright 2025 James Ross

// Package fetch implements a generic HTTP Handler (component C3). It
// performs one request per invocation — retries belong to the runner's
// backoff loop, not the handler — and classifies the response into the
// handler.Result vocabulary the runner understands. Site-specific
// adapters (MediaWiki, OpenAlex, ...) build on top of this or bypass it
// entirely; neither lives here.
package fetch

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/flyingrobots/go-redis-work-queue/internal/handler"
)

const defaultUserAgent = "ingest-pipeline/1.0"

// Handler fetches item.RequestURI over HTTP and returns the response body
// as a raw artifact.
type Handler struct {
	client    *http.Client
	userAgent string
}

// New builds a fetch Handler with the given timeout. A zero timeout falls
// back to 30s.
func New(timeout time.Duration, userAgent string) *Handler {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	return &Handler{client: &http.Client{Timeout: timeout}, userAgent: userAgent}
}

func (h *Handler) Name() string { return "fetch" }

func (h *Handler) Handle(rc handler.RunContext) (handler.Result, error) {
	item := rc.Item
	if item.RequestURI == "" {
		return handler.Result{Outcome: handler.OutcomeFailed, ErrorMessage: "request_uri is empty", Retryable: false}, nil
	}

	method := item.RequestMethod
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if item.RequestBody != "" {
		body = strings.NewReader(item.RequestBody)
	}

	req, err := http.NewRequestWithContext(rc.Context, method, item.RequestURI, body)
	if err != nil {
		return handler.Result{Outcome: handler.OutcomeFailed, ErrorMessage: err.Error(), Retryable: false}, nil
	}
	req.Header.Set("User-Agent", h.userAgent)
	for k, v := range item.RequestHeaders {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return handler.Result{Outcome: handler.OutcomeFailed, ErrorMessage: err.Error(), Retryable: true}, nil
	}
	defer resp.Body.Close()

	retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return handler.Result{
			Outcome:       handler.OutcomeSkipped,
			SkippedReason: "not modified",
			HTTPStatus:    resp.StatusCode,
		}, nil

	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		io.Copy(io.Discard, resp.Body)
		return handler.Result{
			Outcome:           handler.OutcomeFailed,
			ErrorMessage:      fmt.Sprintf("http %d", resp.StatusCode),
			HTTPStatus:        resp.StatusCode,
			RetryAfterSeconds: retryAfter,
			Retryable:         true,
		}, nil

	case resp.StatusCode >= 400:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return handler.Result{
			Outcome:      handler.OutcomeFailed,
			ErrorMessage: fmt.Sprintf("http %d: %s", resp.StatusCode, string(data)),
			HTTPStatus:   resp.StatusCode,
			Retryable:    false,
		}, nil

	default:
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return handler.Result{Outcome: handler.OutcomeFailed, ErrorMessage: err.Error(), Retryable: true}, nil
		}
		mime := resp.Header.Get("Content-Type")
		if mime == "" {
			mime = "application/octet-stream"
		}
		return handler.Result{
			Outcome:    handler.OutcomeSucceeded,
			HTTPStatus: resp.StatusCode,
			Artifacts: []handler.ArtifactDraft{
				{Type: "fetch_response", Content: data, Mime: mime},
			},
			Metrics: map[string]float64{"bytes": float64(len(data))},
		}, nil
	}
}

func parseRetryAfter(v string) int {
	if v == "" {
		return 0
	}
	if n, err := strconv.Atoi(v); err == nil {
		return n
	}
	if t, err := http.ParseTime(v); err == nil {
		d := time.Until(t)
		if d > 0 {
			return int(d.Seconds())
		}
	}
	return 0
}
