package models

import (
	"encoding/json"
	"time"
)

// Call statuses. Ready and Failed are terminal.
const (
	CallScheduled  = "scheduled"
	CallInProgress = "in_progress"
	CallProcessing = "processing"
	CallReady      = "ready"
	CallFailed     = "failed"
)

// Call is the unit of business work tracked through the pipeline.
type Call struct {
	ID          string     `json:"id"`
	TenantID    string     `json:"tenant_id"`
	Title       string     `json:"title"`
	MeetingURL  string     `json:"meeting_url"`
	BotID       *string    `json:"bot_id,omitempty"`
	FrameworkID *string    `json:"framework_id,omitempty"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// CallTerminal reports whether a call status accepts no further transitions.
func CallTerminal(status string) bool {
	return status == CallReady || status == CallFailed
}

// Recording is the local snapshot of a provider-held recording.
type Recording struct {
	ID                  string          `json:"id"`
	CallID              string          `json:"call_id"`
	ProviderRecordingID string          `json:"provider_recording_id"`
	Manifest            json.RawMessage `json:"manifest"`
	DeletedUpstreamAt   *time.Time      `json:"deleted_upstream_at,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
}

// Media asset kinds archived from a recording manifest.
const (
	MediaVideoMixed        = "video_mixed"
	MediaAudioMixed        = "audio_mixed"
	MediaTranscript        = "transcript"
	MediaParticipantEvents = "participant_events"
	MediaMeetingMetadata   = "meeting_metadata"
)

// MediaAsset is a verified object-storage artifact. Identity is (bucket, path).
type MediaAsset struct {
	ID          string     `json:"id"`
	CallID      string     `json:"call_id"`
	Kind        string     `json:"kind"`
	Bucket      string     `json:"bucket"`
	Path        string     `json:"path"`
	ContentType string     `json:"content_type"`
	SizeBytes   int64      `json:"size_bytes"`
	ETag        string     `json:"etag"`
	VerifiedAt  *time.Time `json:"verified_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Verified reports whether the asset's upload has been confirmed.
func (m MediaAsset) Verified() bool {
	return m.VerifiedAt != nil
}

// Transcript owns an ordered list of segments for one call.
type Transcript struct {
	ID        string    `json:"id"`
	CallID    string    `json:"call_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Segment is one speaker turn, offsets in milliseconds.
type Segment struct {
	ID           string `json:"id"`
	TranscriptID string `json:"transcript_id"`
	Position     int    `json:"position"`
	Speaker      string `json:"speaker"`
	Role         string `json:"role"`
	StartMS      int64  `json:"start_ms"`
	EndMS        int64  `json:"end_ms"`
	Text         string `json:"text"`
}

// Participant is one distinct speaker label seen in a transcript.
type Participant struct {
	ID           string `json:"id"`
	CallID       string `json:"call_id"`
	TranscriptID string `json:"transcript_id"`
	Label        string `json:"label"`
	Role         string `json:"role"`
}
