// Copyright 2025 James Ross

// Package llmjob implements a Handler (component C3) that dispatches a
// claimed analysis WorkItem to an Ollama-compatible chat completion
// endpoint. Prompt templates and per-interrogation schema catalogs are
// out of scope here; this package only proves the dispatch boundary —
// send InputJSON as the user turn, capture the model's response as the
// item's output, classify transport failures for the runner's retry.
package llmjob

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/flyingrobots/go-redis-work-queue/internal/config"
	"github.com/flyingrobots/go-redis-work-queue/internal/handler"
)

// message is one turn in a chat completion request, matching the
// role/content shape every OpenAI-compatible and native Ollama chat
// endpoint accepts.
type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []message `json:"messages"`
	Stream   bool      `json:"stream"`
	Options  *options  `json:"options,omitempty"`
}

type options struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

// chatResponse covers the fields this handler reads from Ollama's native
// /api/chat response; unrecognized fields are ignored.
type chatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done  bool   `json:"done"`
	Error string `json:"error"`
}

// Output is the structured result this handler attaches to Result.Output.
type Output struct {
	InterrogationKey string `json:"interrogation_key"`
	Model            string `json:"model"`
	Content          string `json:"content"`
}

// Handler dispatches WorkItem.InputJSON to a chat-completion endpoint and
// reports the generated content as the work item's output.
type Handler struct {
	client *http.Client
	cfg    config.LLMJob
}

// New builds an llmjob Handler from cfg. A zero Timeout falls back to 120s.
func New(cfg config.LLMJob) *Handler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &Handler{client: &http.Client{Timeout: cfg.Timeout}, cfg: cfg}
}

func (h *Handler) Name() string { return "llmjob" }

func (h *Handler) Handle(rc handler.RunContext) (handler.Result, error) {
	item := rc.Item
	if item.InterrogationKey == "" {
		return handler.Result{Outcome: handler.OutcomeFailed, ErrorMessage: "interrogation_key is empty", Retryable: false}, nil
	}

	prompt, err := promptFrom(item.InputJSON)
	if err != nil {
		return handler.Result{Outcome: handler.OutcomeFailed, ErrorMessage: err.Error(), Retryable: false}, nil
	}

	reqBody := chatRequest{
		Model: h.cfg.Model,
		Messages: []message{
			{Role: "system", Content: "Respond with analysis for interrogation " + item.InterrogationKey + "."},
			{Role: "user", Content: prompt},
		},
		Stream: false,
	}
	if h.cfg.Temperature > 0 || h.cfg.MaxTokens > 0 {
		reqBody.Options = &options{Temperature: h.cfg.Temperature, NumPredict: h.cfg.MaxTokens}
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return handler.Result{Outcome: handler.OutcomeFailed, ErrorMessage: err.Error(), Retryable: false}, nil
	}

	url := strings.TrimRight(h.cfg.BaseURL, "/") + "/api/chat"
	req, err := http.NewRequestWithContext(rc.Context, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return handler.Result{Outcome: handler.OutcomeFailed, ErrorMessage: err.Error(), Retryable: false}, nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return handler.Result{Outcome: handler.OutcomeFailed, ErrorMessage: err.Error(), Retryable: true}, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return handler.Result{
			Outcome:      handler.OutcomeFailed,
			ErrorMessage: fmt.Sprintf("llm provider http %d", resp.StatusCode),
			HTTPStatus:   resp.StatusCode,
			Retryable:    true,
		}, nil
	}
	if resp.StatusCode >= 400 {
		return handler.Result{
			Outcome:      handler.OutcomeFailed,
			ErrorMessage: fmt.Sprintf("llm provider http %d", resp.StatusCode),
			HTTPStatus:   resp.StatusCode,
			Retryable:    false,
		}, nil
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return handler.Result{Outcome: handler.OutcomeFailed, ErrorMessage: "decode llm response: " + err.Error(), Retryable: true}, nil
	}
	if parsed.Error != "" {
		return handler.Result{Outcome: handler.OutcomeFailed, ErrorMessage: parsed.Error, Retryable: false}, nil
	}
	if parsed.Message.Content == "" {
		return handler.Result{Outcome: handler.OutcomeFailed, ErrorMessage: "empty completion content", Retryable: true}, nil
	}

	out := Output{InterrogationKey: item.InterrogationKey, Model: h.cfg.Model, Content: parsed.Message.Content}
	outJSON, err := json.Marshal(out)
	if err != nil {
		return handler.Result{Outcome: handler.OutcomeFailed, ErrorMessage: err.Error(), Retryable: false}, nil
	}

	return handler.Result{
		Outcome: handler.OutcomeSucceeded,
		Output:  outJSON,
		Metrics: map[string]float64{"content_bytes": float64(len(parsed.Message.Content))},
	}, nil
}

// promptFrom renders InputJSON as the user turn. Any valid JSON value is
// re-serialized to compact JSON (a JSON string keeps its quotes), so the
// model sees the structured fields; invalid JSON is rejected.
func promptFrom(input json.RawMessage) (string, error) {
	if len(input) == 0 {
		return "", fmt.Errorf("input_json is empty")
	}
	var v interface{}
	if err := json.Unmarshal(input, &v); err != nil {
		return "", fmt.Errorf("invalid input_json: %w", err)
	}
	compact, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(compact), nil
}
