package ai

import (
	"fmt"
	"strings"
)

// SummaryResult is the expected shape of a call summary completion.
type SummaryResult struct {
	Overview   string   `json:"overview"`
	KeyMoments []string `json:"key_moments"`
	Objections []string `json:"objections"`
	NextSteps  []string `json:"next_steps"`
}

func (r SummaryResult) Validate() error {
	if strings.TrimSpace(r.Overview) == "" {
		return fmt.Errorf("%w: summary overview is empty", ErrBadResponse)
	}
	return nil
}

// ActionItemsResult is the expected shape of an action-item extraction.
type ActionItemsResult struct {
	Items []ActionItemResult `json:"items"`
}

type ActionItemResult struct {
	Text    string `json:"text"`
	Owner   string `json:"owner"`
	DueDate string `json:"due_date"`
}

func (r ActionItemsResult) Validate() error {
	for i, item := range r.Items {
		if strings.TrimSpace(item.Text) == "" {
			return fmt.Errorf("%w: action item %d has empty text", ErrBadResponse, i)
		}
	}
	return nil
}

// CRMNoteResult is the expected shape of a CRM note completion.
type CRMNoteResult struct {
	Subject   string   `json:"subject"`
	Summary   string   `json:"summary"`
	KeyPoints []string `json:"key_points"`
	NextSteps []string `json:"next_steps"`
}

func (r CRMNoteResult) Validate() error {
	if strings.TrimSpace(r.Subject) == "" {
		return fmt.Errorf("%w: crm note subject is empty", ErrBadResponse)
	}
	return nil
}

// ScoreResult is the expected shape of a framework coverage score.
type ScoreResult struct {
	Overall         int                  `json:"overall"`
	Phases          []PhaseCoverageResult `json:"phases"`
	MissedQuestions []string             `json:"missed_questions"`
	CoachingPlan    CoachingPlanResult   `json:"coaching_plan"`
}

type PhaseCoverageResult struct {
	Phase   string `json:"phase"`
	Covered int    `json:"covered"`
	Total   int    `json:"total"`
}

type CoachingPlanResult struct {
	NextCallAgenda []string `json:"next_call_agenda"`
	QuestionsToAsk []string `json:"questions_to_ask"`
}

func (r ScoreResult) Validate() error {
	if r.Overall < 0 || r.Overall > 100 {
		return fmt.Errorf("%w: overall score %d outside [0,100]", ErrBadResponse, r.Overall)
	}
	for _, p := range r.Phases {
		if p.Covered < 0 || p.Total < 0 || p.Covered > p.Total {
			return fmt.Errorf("%w: phase %q coverage %d/%d is inconsistent", ErrBadResponse, p.Phase, p.Covered, p.Total)
		}
	}
	return nil
}
