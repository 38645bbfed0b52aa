package ai

import (
	"encoding/json"
	"fmt"
	"strings"

	"callpipe/internal/models"
)

// Schemas sent with each structured-output request. The completion service
// must return strict JSON conforming to these.
var (
	SummarySchema = Schema{Name: "call_summary", Schema: json.RawMessage(`{
		"type": "object",
		"properties": {
			"overview": {"type": "string"},
			"key_moments": {"type": "array", "items": {"type": "string"}},
			"objections": {"type": "array", "items": {"type": "string"}},
			"next_steps": {"type": "array", "items": {"type": "string"}}
		},
		"required": ["overview", "key_moments", "objections", "next_steps"],
		"additionalProperties": false
	}`)}

	ActionItemsSchema = Schema{Name: "action_items", Schema: json.RawMessage(`{
		"type": "object",
		"properties": {
			"items": {
				"type": "array",
				"items": {
					"type": "object",
					"properties": {
						"text": {"type": "string"},
						"owner": {"type": "string"},
						"due_date": {"type": "string"}
					},
					"required": ["text", "owner", "due_date"],
					"additionalProperties": false
				}
			}
		},
		"required": ["items"],
		"additionalProperties": false
	}`)}

	CRMNoteSchema = Schema{Name: "crm_note", Schema: json.RawMessage(`{
		"type": "object",
		"properties": {
			"subject": {"type": "string"},
			"summary": {"type": "string"},
			"key_points": {"type": "array", "items": {"type": "string"}},
			"next_steps": {"type": "array", "items": {"type": "string"}}
		},
		"required": ["subject", "summary", "key_points", "next_steps"],
		"additionalProperties": false
	}`)}

	ScoreSchema = Schema{Name: "framework_score", Schema: json.RawMessage(`{
		"type": "object",
		"properties": {
			"overall": {"type": "integer", "minimum": 0, "maximum": 100},
			"phases": {
				"type": "array",
				"items": {
					"type": "object",
					"properties": {
						"phase": {"type": "string"},
						"covered": {"type": "integer"},
						"total": {"type": "integer"}
					},
					"required": ["phase", "covered", "total"],
					"additionalProperties": false
				}
			},
			"missed_questions": {"type": "array", "items": {"type": "string"}},
			"coaching_plan": {
				"type": "object",
				"properties": {
					"next_call_agenda": {"type": "array", "items": {"type": "string"}},
					"questions_to_ask": {"type": "array", "items": {"type": "string"}}
				},
				"required": ["next_call_agenda", "questions_to_ask"],
				"additionalProperties": false
			}
		},
		"required": ["overall", "phases", "missed_questions", "coaching_plan"],
		"additionalProperties": false
	}`)}
)

const systemPrompt = "You analyze business call transcripts. Answer only with JSON matching the requested schema. Ground every statement in the transcript text; if the transcript lacks the information, use empty strings or arrays instead of inventing it."

// SummaryMessages builds the summary request for a rendered transcript.
func SummaryMessages(transcript string) []Message {
	return []Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: "Summarize this call: a short overview, the key moments, any objections raised, and the agreed next steps.\n\nTRANSCRIPT:\n" + transcript},
	}
}

// ActionItemMessages builds the action-item extraction request.
func ActionItemMessages(transcript string) []Message {
	return []Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: "Extract every concrete action item from this call. Include an owner and due date only when the transcript states them; otherwise leave those fields empty.\n\nTRANSCRIPT:\n" + transcript},
	}
}

// CRMNoteMessages builds the CRM-ready note request.
func CRMNoteMessages(transcript string) []Message {
	return []Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: "Write a CRM-ready note for this call: a one-line subject, a short summary, key points, and next steps.\n\nTRANSCRIPT:\n" + transcript},
	}
}

// ScoreMessages builds the framework coverage request. The rubric is rendered
// phase by phase with question weights; coverage must be evidenced by the
// transcript, never assumed.
func ScoreMessages(transcript string, fw models.Framework) []Message {
	var rubric strings.Builder
	for i, phase := range fw.Phases {
		fmt.Fprintf(&rubric, "Phase %d: %s\n", i+1, phase.Name)
		for _, q := range phase.Questions {
			fmt.Fprintf(&rubric, "  - (weight %d) %s\n", q.Weight, q.Text)
		}
	}
	user := fmt.Sprintf(`Score this call against the %q framework below. Count a question as covered only when the transcript contains direct evidence it was addressed. Do not credit coverage that is not evidenced in the text. Return an overall score 0-100 weighted by question weights, per-phase covered/total counts, the list of missed questions, and a coaching plan (next-call agenda plus questions to ask).

FRAMEWORK:
%s
TRANSCRIPT:
%s`, fw.Name, rubric.String(), transcript)

	return []Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: user},
	}
}
