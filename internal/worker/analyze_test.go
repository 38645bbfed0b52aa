package worker

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callpipe/internal/ai"
	"callpipe/internal/config"
	"callpipe/internal/models"
	"callpipe/internal/store"
)

func analyzeJob() models.Job {
	callID := testCallID
	payload, _ := json.Marshal(models.AnalyzeCallPayload{CallID: testCallID})
	return models.Job{
		ID:       "job-2",
		TenantID: "t1",
		CallID:   &callID,
		Type:     models.JobAnalyzeCall,
		Payload:  payload,
	}
}

func cannedResponses() map[string]string {
	return map[string]string{
		"call_summary": `{"overview":"Discovery call with Acme.","key_moments":["pricing discussion"],"objections":["budget"],"next_steps":["send proposal"]}`,
		"action_items": `{"items":[{"text":"Send proposal","owner":"Alice","due_date":"2026-09-05"},{"text":"Book follow-up","owner":"","due_date":""}]}`,
		"crm_note":     `{"subject":"Acme discovery","summary":"Talked pricing.","key_points":["budget tight"],"next_steps":["proposal"]}`,
		"framework_score": `{"overall":72,"phases":[{"phase":"Discovery","covered":2,"total":3}],"missed_questions":["What is the decision timeline?"],"coaching_plan":{"next_call_agenda":["confirm timeline"],"questions_to_ask":["Who signs off?"]}}`,
	}
}

// seedTranscriptAsset stores a verified transcript artifact and its raw bytes.
func seedTranscriptAsset(st *fakeStore, objects *fakeObjects, raw string) {
	path := ObjectKey("t1", testCallID, testRecordingID, "transcript.json")
	objects.objects[testBucket+"/"+path] = []byte(raw)
	_, _ = st.UpsertMediaAsset(context.Background(), store.UpsertMediaAssetParams{
		CallID: testCallID,
		Kind:   models.MediaTranscript,
		Bucket: testBucket,
		Path:   path,
	})
}

func newAnalyzeHandler(st *fakeStore, objects *fakeObjects, completer *fakeCompleter) *AnalyzeHandler {
	cfg := config.Config{
		MediaBucket:  testBucket,
		ModelCheap:   "model-cheap",
		ModelMedium:  "model-medium",
		ModelComplex: "model-complex",
	}
	return NewAnalyzeHandler(cfg, st, objects, completer, quietLogger())
}

func TestAnalyze_HappyPath(t *testing.T) {
	st := newFakeStore()
	objects := newFakeObjects()
	seedTranscriptAsset(st, objects, `[
		{"speaker":"Alice","text":"Tell me about your stack.","start":1.0,"end":4.0},
		{"speaker":"Bob","text":"We run on spreadsheets.","start":4.5,"end":8.0}
	]`)
	completer := &fakeCompleter{responses: cannedResponses()}
	h := newAnalyzeHandler(st, objects, completer)

	require.NoError(t, h.Handle(context.Background(), analyzeJob()))

	assert.Equal(t, models.CallReady, st.callStatus[testCallID])
	require.Len(t, st.saved, 1)
	saved := st.saved[0]
	assert.Equal(t, "Discovery call with Acme.", saved.Summary.Overview)
	require.Len(t, saved.ActionItems, 2)
	assert.Equal(t, "Send proposal", saved.ActionItems[0].Text)
	require.NotNil(t, saved.ActionItems[0].Owner)
	assert.Nil(t, saved.ActionItems[1].Owner, "empty owner stays unset")
	assert.Equal(t, "Acme discovery", saved.CRMNote.Subject)
	assert.Nil(t, saved.Score, "no score without an assigned framework")

	// Summary uses the medium tier, extraction steps the cheap tier.
	assert.Equal(t, []string{"model-medium", "model-cheap", "model-cheap"}, completer.models)
}

func TestAnalyze_WithFrameworkProducesScore(t *testing.T) {
	st := newFakeStore()
	objects := newFakeObjects()
	seedTranscriptAsset(st, objects, `[{"speaker":"A","text":"hello","start":0,"end":1000}]`)
	st.frameworks[testCallID] = &models.Framework{
		ID:      "fw-1",
		Name:    "MEDDIC",
		Version: 3,
		Phases: []models.FrameworkPhase{
			{Name: "Discovery", Questions: []models.FrameworkQuestion{{Text: "Budget?", Weight: 5}}},
		},
	}
	completer := &fakeCompleter{responses: cannedResponses()}
	h := newAnalyzeHandler(st, objects, completer)

	require.NoError(t, h.Handle(context.Background(), analyzeJob()))

	require.Len(t, st.saved, 1)
	score := st.saved[0].Score
	require.NotNil(t, score)
	assert.Equal(t, 72, score.Overall)
	assert.Equal(t, "fw-1", score.FrameworkID)
	assert.Equal(t, 3, score.FrameworkVersion)
	assert.Contains(t, completer.models, "model-complex")
}

func TestAnalyze_NormalizationIdempotent(t *testing.T) {
	st := newFakeStore()
	objects := newFakeObjects()
	seedTranscriptAsset(st, objects, `[
		{"speaker":"Alice","text":"one","start":0,"end":1},
		{"speaker":"Bob","text":"two","start":1,"end":2}
	]`)
	completer := &fakeCompleter{responses: cannedResponses()}
	h := newAnalyzeHandler(st, objects, completer)

	require.NoError(t, h.Handle(context.Background(), analyzeJob()))
	segsFirst, err := st.SegmentsForCall(context.Background(), testCallID)
	require.NoError(t, err)

	require.NoError(t, h.Handle(context.Background(), analyzeJob()))
	segsSecond, err := st.SegmentsForCall(context.Background(), testCallID)
	require.NoError(t, err)

	assert.Equal(t, 1, st.createTranscriptCalls, "second run must not normalize again")
	assert.Equal(t, len(segsFirst), len(segsSecond))
}

func TestAnalyze_NoTranscriptAsset(t *testing.T) {
	st := newFakeStore()
	objects := newFakeObjects()
	completer := &fakeCompleter{responses: cannedResponses()}
	h := newAnalyzeHandler(st, objects, completer)

	err := h.Handle(context.Background(), analyzeJob())
	assert.ErrorIs(t, err, ErrNoTranscriptAsset)
	assert.Empty(t, st.saved)
}

func TestAnalyze_MalformedAIResponseNoPartialPersistence(t *testing.T) {
	st := newFakeStore()
	objects := newFakeObjects()
	seedTranscriptAsset(st, objects, `[{"speaker":"A","text":"x","start":0,"end":1}]`)

	responses := cannedResponses()
	responses["crm_note"] = `not json at all`
	completer := &fakeCompleter{responses: responses}
	h := newAnalyzeHandler(st, objects, completer)

	err := h.Handle(context.Background(), analyzeJob())
	require.Error(t, err)
	assert.ErrorIs(t, err, ai.ErrBadResponse)
	assert.Empty(t, st.saved, "a failed step persists nothing")
	assert.NotEqual(t, models.CallReady, st.callStatus[testCallID])
}

func TestAnalyze_EmptySummaryFailsValidation(t *testing.T) {
	st := newFakeStore()
	objects := newFakeObjects()
	seedTranscriptAsset(st, objects, `[{"speaker":"A","text":"x","start":0,"end":1}]`)

	responses := cannedResponses()
	responses["call_summary"] = `{"overview":"","key_moments":[],"objections":[],"next_steps":[]}`
	completer := &fakeCompleter{responses: responses}
	h := newAnalyzeHandler(st, objects, completer)

	err := h.Handle(context.Background(), analyzeJob())
	assert.ErrorIs(t, err, ai.ErrBadResponse)
}
