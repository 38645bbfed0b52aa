package transcript

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callpipe/internal/models"
)

func TestNormalize_TopLevelArray_SecondsFloat(t *testing.T) {
	raw := []byte(`[
		{"speaker": "Alice", "text": "Hello everyone.", "start": 1.5, "end": 3.25, "is_host": true},
		{"speaker": "Bob", "text": "Hi Alice.", "start": 3.5, "end": 4.0}
	]`)

	doc, err := Normalize(raw)
	require.NoError(t, err)
	require.Len(t, doc.Segments, 2)

	assert.Equal(t, int64(1500), doc.Segments[0].StartMS)
	assert.Equal(t, int64(3250), doc.Segments[0].EndMS)
	assert.Equal(t, RoleHost, doc.Segments[0].Role)
	assert.Equal(t, RoleParticipant, doc.Segments[1].Role)
	assert.Equal(t, []string{"Alice", "Bob"}, doc.Participants)
}

func TestNormalize_WrappedObject_MillisecondsInteger(t *testing.T) {
	raw := []byte(`{"segments": [
		{"speaker_name": "Carol", "text": "Budget is tight.", "start": 61000, "end": 64000}
	]}`)

	doc, err := Normalize(raw)
	require.NoError(t, err)
	require.Len(t, doc.Segments, 1)
	assert.Equal(t, "Carol", doc.Segments[0].Speaker)
	assert.Equal(t, int64(61000), doc.Segments[0].StartMS)
}

func TestNormalize_ExplicitMSFieldsWin(t *testing.T) {
	raw := []byte(`[{"speaker": "A", "text": "x", "start": 2.0, "end": 3.0, "start_ms": 1999, "end_ms": 2999}]`)
	doc, err := Normalize(raw)
	require.NoError(t, err)
	assert.Equal(t, int64(1999), doc.Segments[0].StartMS)
	assert.Equal(t, int64(2999), doc.Segments[0].EndMS)
}

func TestNormalize_DropsEmptyText_FallbackSpeaker(t *testing.T) {
	raw := []byte(`[
		{"text": "   ", "start": 0, "end": 100},
		{"text": "only real line", "start": 100, "end": 200}
	]`)

	doc, err := Normalize(raw)
	require.NoError(t, err)
	require.Len(t, doc.Segments, 1)
	assert.Equal(t, FallbackSpeaker, doc.Segments[0].Speaker)
	assert.Equal(t, []string{FallbackSpeaker}, doc.Participants)
}

func TestNormalize_NoUsableSegments(t *testing.T) {
	_, err := Normalize([]byte(`[]`))
	assert.ErrorIs(t, err, ErrNoSegments)

	_, err = Normalize([]byte(`{"segments": [{"text": ""}]}`))
	assert.ErrorIs(t, err, ErrNoSegments)

	_, err = Normalize([]byte(`"not a transcript"`))
	assert.Error(t, err)
}

func TestNormalize_DuplicateSpeakersDeduplicated(t *testing.T) {
	raw := []byte(`[
		{"speaker": "Alice", "text": "one", "start": 0, "end": 1},
		{"speaker": "Bob", "text": "two", "start": 1, "end": 2},
		{"speaker": "Alice", "text": "three", "start": 2, "end": 3}
	]`)
	doc, err := Normalize(raw)
	require.NoError(t, err)
	assert.Equal(t, []string{"Alice", "Bob"}, doc.Participants)
}

func TestRender(t *testing.T) {
	segments := []models.Segment{
		{Speaker: "Alice", StartMS: 500, Text: "Hello."},
		{Speaker: "Bob", StartMS: 75000, Text: "Hi."},
	}
	out := Render(segments)
	assert.Equal(t, "[00:00] Alice: Hello.\n[01:15] Bob: Hi.\n", out)
}
