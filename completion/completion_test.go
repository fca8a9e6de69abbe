package completion

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dhcgn/mail-assist/model"
)

type capturedRequest struct {
	Model          string `json:"model"`
	MaxTokens      int    `json:"max_tokens"`
	MaxCompletion  int    `json:"max_completion_tokens"`
	ResponseFormat struct {
		Type string `json:"type"`
	} `json:"response_format"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func chatResponse(content string) string {
	body, _ := json.Marshal(map[string]any{
		"id":      "chatcmpl-test",
		"object":  "chat.completion",
		"created": 1,
		"model":   "test-model",
		"choices": []map[string]any{{
			"index":         0,
			"finish_reason": "stop",
			"message":       map[string]any{"role": "assistant", "content": content},
		}},
		"usage": map[string]any{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
	})
	return string(body)
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{APIKey: "dummy-key", Model: "test-model", BaseURL: srv.URL + "/v1", Timeout: 2 * time.Second}, nil)
}

func TestSubmit_Success(t *testing.T) {
	var got capturedRequest
	var auth string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		auth = r.Header.Get("Authorization")
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, chatResponse(`{"to":"a@b.c","subject":"Hi","body_text":"Body"}`))
	})

	reply, err := client.Submit(context.Background(), model.Prompt{Body: "hello"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if reply.To != "a@b.c" || reply.Subject != "Hi" || reply.BodyText != "Body" {
		t.Fatalf("reply = %+v", reply)
	}
	if auth != "Bearer dummy-key" {
		t.Errorf("Authorization = %q", auth)
	}
	if got.ResponseFormat.Type != "json_object" {
		t.Errorf("response_format = %q, want json_object", got.ResponseFormat.Type)
	}
	if got.Model != "test-model" || got.MaxTokens != DefaultMaxTokens {
		t.Errorf("model/max_tokens = %q/%d", got.Model, got.MaxTokens)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" || !strings.Contains(got.Messages[1].Content, "hello") {
		t.Errorf("messages = %+v", got.Messages)
	}
}

func TestSubmit_ReasoningModelUsesCompletionTokens(t *testing.T) {
	var got capturedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, chatResponse(`{"body_text":"ok"}`))
	}))
	defer srv.Close()

	client := New(Config{APIKey: "k", Model: "gpt-5", MaxTokens: 321, BaseURL: srv.URL + "/v1"}, nil)
	if _, err := client.Submit(context.Background(), model.Prompt{Body: "x"}); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if got.MaxCompletion != 321 || got.MaxTokens != 0 {
		t.Fatalf("max_completion_tokens=%d max_tokens=%d", got.MaxCompletion, got.MaxTokens)
	}
}

func TestSubmit_ErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		want      model.CompletionOutcome
		retryable bool
	}{
		{name: "unauthorized", status: 401, body: `{"error":{"message":"Incorrect API key","type":"invalid_request_error","code":"invalid_api_key"}}`, want: model.CompletionAuthError},
		{name: "forbidden", status: 403, body: `{"error":{"message":"forbidden","type":"permission_error"}}`, want: model.CompletionAuthError},
		{name: "rate limited", status: 429, body: `{"error":{"message":"slow down","type":"rate_limit_error"}}`, want: model.CompletionRateLimited, retryable: true},
		{name: "server error", status: 500, body: `{"error":{"message":"boom","type":"server_error"}}`, want: model.CompletionNetworkError, retryable: true},
		{name: "gateway html", status: 502, body: `<html>bad gateway</html>`, want: model.CompletionNetworkError, retryable: true},
		{name: "bad request", status: 400, body: `{"error":{"message":"unknown model","type":"invalid_request_error"}}`, want: model.CompletionMalformedResponse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			})

			_, err := client.Submit(context.Background(), model.Prompt{Body: "x"})
			var cerr *Error
			if !errors.As(err, &cerr) {
				t.Fatalf("error %v is not *Error", err)
			}
			if cerr.Outcome != tt.want {
				t.Fatalf("Outcome = %q, want %q (%v)", cerr.Outcome, tt.want, err)
			}
			if cerr.Retryable() != tt.retryable {
				t.Fatalf("Retryable() = %v, want %v", cerr.Retryable(), tt.retryable)
			}
			if OutcomeOf(err) != tt.want {
				t.Fatalf("OutcomeOf() = %q", OutcomeOf(err))
			}
		})
	}
}

func TestSubmit_MalformedContent(t *testing.T) {
	for _, content := range []string{"not json at all", `{"to":"a@b.c","subject":"x"}`, ""} {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, chatResponse(content))
		})
		_, err := client.Submit(context.Background(), model.Prompt{Body: "x"})
		if OutcomeOf(err) != model.CompletionMalformedResponse {
			t.Fatalf("content %q: outcome = %q (%v)", content, OutcomeOf(err), err)
		}
	}
}

func TestSubmit_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	client := New(Config{APIKey: "k", BaseURL: url + "/v1", Timeout: time.Second}, nil)
	_, err := client.Submit(context.Background(), model.Prompt{Body: "x"})
	if OutcomeOf(err) != model.CompletionNetworkError {
		t.Fatalf("outcome = %q (%v)", OutcomeOf(err), err)
	}
}

func TestParseReply_CodeFence(t *testing.T) {
	reply, err := ParseReply("```json\n{\"subject\":\" S \",\"body_text\":\"B\"}\n```")
	if err != nil {
		t.Fatalf("ParseReply() error = %v", err)
	}
	if reply.Subject != "S" || reply.BodyText != "B" {
		t.Fatalf("reply = %+v", reply)
	}
}
