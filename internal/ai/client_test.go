package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callpipe/internal/config"
)

func newTestClient(baseURL string) *Client {
	return New(config.Config{
		AIBaseURL:     baseURL,
		AIAPIKey:      "sk_test",
		AIHTTPTimeout: 2 * time.Second,
	})
}

func completionBody(content string) []byte {
	body, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"content": content}},
		},
	})
	return body
}

func TestComplete_DecodesStructuredOutput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk_test", r.Header.Get("Authorization"))

		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "model-cheap", req["model"])
		assert.Contains(t, req, "response_format")

		_, _ = w.Write(completionBody(`{"overview":"Intro call.","key_moments":[],"objections":[],"next_steps":["send pricing"]}`))
	}))
	defer srv.Close()

	var out SummaryResult
	err := newTestClient(srv.URL).Complete(context.Background(), "model-cheap", SummaryMessages("[00:01] Alice: hi"), SummarySchema, &out)
	require.NoError(t, err)
	require.NoError(t, out.Validate())
	assert.Equal(t, "Intro call.", out.Overview)
	assert.Equal(t, []string{"send pricing"}, out.NextSteps)
}

func TestComplete_NonJSONContentIsHardError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(completionBody("Sure! Here is the summary you asked for."))
	}))
	defer srv.Close()

	var out SummaryResult
	err := newTestClient(srv.URL).Complete(context.Background(), "m", nil, SummarySchema, &out)
	assert.ErrorIs(t, err, ErrBadResponse)
}

func TestComplete_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write(completionBody(`{"subject":"s","summary":"x","key_points":[],"next_steps":[]}`))
	}))
	defer srv.Close()

	var out CRMNoteResult
	err := newTestClient(srv.URL).Complete(context.Background(), "m", nil, CRMNoteSchema, &out)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestScoreResult_Validate(t *testing.T) {
	ok := ScoreResult{Overall: 80, Phases: []PhaseCoverageResult{{Phase: "Discovery", Covered: 2, Total: 3}}}
	assert.NoError(t, ok.Validate())

	assert.Error(t, ScoreResult{Overall: 120}.Validate())
	assert.Error(t, ScoreResult{Overall: 50, Phases: []PhaseCoverageResult{{Phase: "p", Covered: 4, Total: 3}}}.Validate())
}
