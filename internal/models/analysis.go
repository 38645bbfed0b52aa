package models

import "time"

// Summary is the AI-derived call summary, one per call.
type Summary struct {
	ID         string    `json:"id"`
	CallID     string    `json:"call_id"`
	Overview   string    `json:"overview"`
	KeyMoments []string  `json:"key_moments"`
	Objections []string  `json:"objections"`
	NextSteps  []string  `json:"next_steps"`
	CreatedAt  time.Time `json:"created_at"`
}

// ActionItem is a single extracted follow-up.
type ActionItem struct {
	ID      string  `json:"id"`
	CallID  string  `json:"call_id"`
	Text    string  `json:"text"`
	Owner   *string `json:"owner,omitempty"`
	DueDate *string `json:"due_date,omitempty"`
}

// CRMNote is a CRM-ready writeup, one per call.
type CRMNote struct {
	ID        string   `json:"id"`
	CallID    string   `json:"call_id"`
	Subject   string   `json:"subject"`
	Summary   string   `json:"summary"`
	KeyPoints []string `json:"key_points"`
	NextSteps []string `json:"next_steps"`
}

// Framework is a scoring rubric of ordered phases with weighted questions.
type Framework struct {
	ID       string           `json:"id"`
	TenantID string           `json:"tenant_id"`
	Name     string           `json:"name"`
	Version  int              `json:"version"`
	Phases   []FrameworkPhase `json:"phases"`
}

// FrameworkPhase groups weighted questions under one named phase.
type FrameworkPhase struct {
	Name      string              `json:"name"`
	Questions []FrameworkQuestion `json:"questions"`
}

// FrameworkQuestion carries a weight clamped into [1,5] on load.
type FrameworkQuestion struct {
	Text   string `json:"text"`
	Weight int    `json:"weight"`
}

// ClampWeights forces every question weight into [1,5].
func (f *Framework) ClampWeights() {
	for i := range f.Phases {
		for j := range f.Phases[i].Questions {
			w := f.Phases[i].Questions[j].Weight
			if w < 1 {
				w = 1
			}
			if w > 5 {
				w = 5
			}
			f.Phases[i].Questions[j].Weight = w
		}
	}
}

// FrameworkScore is the latest coverage grade for a call against one
// framework version.
type FrameworkScore struct {
	ID               string          `json:"id"`
	CallID           string          `json:"call_id"`
	FrameworkID      string          `json:"framework_id"`
	FrameworkVersion int             `json:"framework_version"`
	Overall          int             `json:"overall"`
	Phases           []PhaseCoverage `json:"phases"`
	MissedQuestions  []string        `json:"missed_questions"`
	CoachingPlan     CoachingPlan    `json:"coaching_plan"`
	CreatedAt        time.Time       `json:"created_at"`
}

// PhaseCoverage reports covered/total question counts for one phase.
type PhaseCoverage struct {
	Phase   string `json:"phase"`
	Covered int    `json:"covered"`
	Total   int    `json:"total"`
}

// CoachingPlan is the generated follow-up guidance attached to a score.
type CoachingPlan struct {
	NextCallAgenda []string `json:"next_call_agenda"`
	QuestionsToAsk []string `json:"questions_to_ask"`
}

// WebhookEvent is a persisted inbound provider event, unique per
// (provider, event id).
type WebhookEvent struct {
	ID         string    `json:"id"`
	Provider   string    `json:"provider"`
	EventID    string    `json:"event_id"`
	EventType  string    `json:"event_type"`
	Payload    []byte    `json:"payload"`
	ReceivedAt time.Time `json:"received_at"`
}
