package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func completionResponse(content string) chatCompletionResponse {
	var resp chatCompletionResponse
	resp.Model = "test-model"
	resp.Choices = []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	}{
		{Message: chatMessage{Role: "assistant", Content: content}, FinishReason: "stop"},
	}
	return resp
}

func TestClientComplete(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")

		var req chatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)
		assert.Equal(t, "user", req.Messages[1].Role)

		json.NewEncoder(w).Encode(completionResponse("a reply"))
	}))
	defer server.Close()

	client := NewClient(Config{
		Name:     "openai",
		Endpoint: server.URL,
		APIKey:   "sk-test",
		Model:    "test-model",
		Timeout:  5 * time.Second,
	})

	text, err := client.Complete(context.Background(), &CompletionRequest{
		Prompt:       "say something",
		SystemPrompt: "you are Ada",
	})
	require.NoError(t, err)
	assert.Equal(t, "a reply", text)
	assert.Equal(t, "Bearer sk-test", gotAuth)
}

func TestClientClassifiesStatusCodes(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorKind
	}{
		{http.StatusTooManyRequests, KindRateLimit},
		{http.StatusUnauthorized, KindAuth},
		{http.StatusForbidden, KindAuth},
		{http.StatusBadGateway, KindNetwork},
		{http.StatusGatewayTimeout, KindTimeout},
		{http.StatusTeapot, KindUnknown},
	}

	for _, tt := range tests {
		t.Run(string(tt.want), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			client := NewClient(Config{Name: "openai", Endpoint: server.URL, Model: "m", Timeout: 5 * time.Second})
			_, err := client.Complete(context.Background(), &CompletionRequest{Prompt: "hi"})
			require.Error(t, err)
			assert.Equal(t, tt.want, KindOf(err))
		})
	}
}

func TestClientTimesOut(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		json.NewEncoder(w).Encode(completionResponse("late"))
	}))
	defer server.Close()

	client := NewClient(Config{Name: "openai", Endpoint: server.URL, Model: "m", Timeout: 50 * time.Millisecond})
	_, err := client.Complete(context.Background(), &CompletionRequest{Prompt: "hi"})
	require.Error(t, err)
	assert.Equal(t, KindTimeout, KindOf(err))
	assert.True(t, IsTransient(err))
}

func TestClientNetworkErrorIsTransient(t *testing.T) {
	// Point at a closed port.
	client := NewClient(Config{Name: "openai", Endpoint: "http://127.0.0.1:1", Model: "m", Timeout: time.Second})
	_, err := client.Complete(context.Background(), &CompletionRequest{Prompt: "hi"})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

type scriptedService struct {
	calls atomic.Int32
	errs  []error
	text  string
}

func (s *scriptedService) Complete(ctx context.Context, req *CompletionRequest) (string, error) {
	n := int(s.calls.Add(1)) - 1
	if n < len(s.errs) && s.errs[n] != nil {
		return "", s.errs[n]
	}
	return s.text, nil
}

func noSleep(ctx context.Context, d time.Duration) error { return nil }

func TestRetryingRecoversFromTransientErrors(t *testing.T) {
	svc := &scriptedService{
		errs: []error{
			&Error{Kind: KindTimeout, Provider: "openai", Err: errors.New("deadline")},
			&Error{Kind: KindRateLimit, Provider: "openai", Err: errors.New("429")},
		},
		text: "eventually",
	}

	r := NewRetrying(svc, 2, time.Millisecond, WithSleeper(noSleep))
	text, err := r.Complete(context.Background(), &CompletionRequest{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "eventually", text)
	assert.Equal(t, int32(3), svc.calls.Load())
}

func TestRetryingStopsAtBudget(t *testing.T) {
	svc := &scriptedService{
		errs: []error{
			&Error{Kind: KindTimeout, Provider: "openai", Err: errors.New("t1")},
			&Error{Kind: KindTimeout, Provider: "openai", Err: errors.New("t2")},
			&Error{Kind: KindTimeout, Provider: "openai", Err: errors.New("t3")},
			&Error{Kind: KindTimeout, Provider: "openai", Err: errors.New("t4")},
		},
	}

	r := NewRetrying(svc, 2, time.Millisecond, WithSleeper(noSleep))
	_, err := r.Complete(context.Background(), &CompletionRequest{Prompt: "hi"})
	require.Error(t, err)
	assert.Equal(t, KindTimeout, KindOf(err))
	assert.Equal(t, int32(3), svc.calls.Load()) // 1 attempt + 2 retries
}

func TestRetryingDoesNotRetryPermanentErrors(t *testing.T) {
	svc := &scriptedService{
		errs: []error{&Error{Kind: KindAuth, Provider: "openai", Err: errors.New("bad key")}},
	}

	r := NewRetrying(svc, 2, time.Millisecond, WithSleeper(noSleep))
	_, err := r.Complete(context.Background(), &CompletionRequest{Prompt: "hi"})
	require.Error(t, err)
	assert.Equal(t, KindAuth, KindOf(err))
	assert.Equal(t, int32(1), svc.calls.Load())
}

func TestKindOfPlainErrors(t *testing.T) {
	assert.Equal(t, ErrorKind(""), KindOf(nil))
	assert.Equal(t, KindTimeout, KindOf(context.DeadlineExceeded))
	assert.Equal(t, KindUnknown, KindOf(errors.New("mystery")))
}
