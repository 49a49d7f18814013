package models

import "time"

// Status is the terminal state of one evaluated sample.
type Status string

const (
	// StatusOK means the sample completed the full pipeline and carries a metric score.
	StatusOK Status = "ok"
	// StatusExcludedFailed means some pipeline stage failed for this sample.
	StatusExcludedFailed Status = "excluded_failed"
	// StatusExcludedIrrelevant means the chat service classified the question as
	// out of scope. The sample is counted but never scored.
	StatusExcludedIrrelevant Status = "excluded_irrelevant"
	// StatusExcludedContextMissing means no retrieved context could be restored
	// to full text, so a context-utilization score would be meaningless.
	StatusExcludedContextMissing Status = "excluded_context_missing"
)

// QuestionItem is one record of the input question set. Immutable after load.
type QuestionItem struct {
	QuestionID string `json:"question_id"`
	Question   string `json:"question"`
}

// Sample accumulates the pipeline outputs for one question. The runner owns
// and mutates a Sample until it is appended to the run result, after which it
// is never touched again.
//
// Invariants:
//   - len(RetrievedContexts) == len(RetrievedContextIDsResolved)
//   - MetricScore != nil iff Status == StatusOK
type Sample struct {
	QuestionID string `json:"question_id"`
	Question   string `json:"question"`
	Status     Status `json:"status"`
	Response   string `json:"response"`

	// RetrievedContextIDs is the raw ordered chunk reference list from the
	// history store. RetrievedContextIDsResolved is the subset that restored
	// to text, order preserved; RetrievedContexts is the parallel text list.
	RetrievedContextIDs         []string `json:"retrieved_context_ids"`
	RetrievedContextIDsResolved []string `json:"retrieved_context_ids_resolved"`
	RetrievedContexts           []string `json:"retrieved_contexts"`
	RetrievedContextsCount      int      `json:"retrieved_contexts_count"`

	MetricScore *float64 `json:"metric_score"`

	// Error is a human-readable diagnostic. It may be set alongside StatusOK
	// for partial-success warnings (some chunk refs unresolved).
	Error string `json:"error,omitempty"`

	ChatSessionID string `json:"chat_session_id,omitempty"`
	ChatHistoryID int64  `json:"chat_history_id,omitempty"`
	HistoryStatus string `json:"history_status,omitempty"`
}

// Summary aggregates sample statuses for one run.
type Summary struct {
	Total                  int      `json:"total"`
	Evaluated              int      `json:"evaluated"`
	ExcludedFailed         int      `json:"excluded_failed"`
	ExcludedIrrelevant     int      `json:"excluded_irrelevant"`
	ExcludedContextMissing int      `json:"excluded_context_missing"`
	MeanScore              *float64 `json:"mean_score"`
	Threshold              float64  `json:"threshold"`
	Pass                   bool     `json:"pass"`
}

// RunResult is the complete output of one evaluation run. It is assembled once
// at the end of the run and written out as a single artifact.
type RunResult struct {
	RunID            string    `json:"run_id"`
	StartedAt        time.Time `json:"started_at"`
	FinishedAt       time.Time `json:"finished_at"`
	DurationSec      float64   `json:"duration_sec"`
	DatasetPath      string    `json:"dataset_path"`
	BaseURL          string    `json:"base_url"`
	MemberID         int64     `json:"member_id"`
	JudgeModel       string    `json:"judge_model"`
	MetricName       string    `json:"metric_name"`
	SamplesRequested int       `json:"samples_requested"`
	Summary          Summary   `json:"summary"`
	Samples          []Sample  `json:"samples"`
}

// Summarize counts samples per status and computes the run verdict. The mean
// is taken over StatusOK samples only; with zero of them MeanScore stays nil
// and Pass is false. Pure function, no side effects.
func Summarize(samples []Sample, threshold float64) Summary {
	s := Summary{
		Total:     len(samples),
		Threshold: threshold,
	}

	sum := 0.0
	scored := 0
	for _, sample := range samples {
		switch sample.Status {
		case StatusOK:
			s.Evaluated++
			if sample.MetricScore != nil {
				sum += *sample.MetricScore
				scored++
			}
		case StatusExcludedFailed:
			s.ExcludedFailed++
		case StatusExcludedIrrelevant:
			s.ExcludedIrrelevant++
		case StatusExcludedContextMissing:
			s.ExcludedContextMissing++
		}
	}

	if scored > 0 {
		mean := sum / float64(scored)
		s.MeanScore = &mean
	}
	s.Pass = s.MeanScore != nil && *s.MeanScore >= threshold

	return s
}

// RunID derives the run identifier from the run start time. The format sorts
// lexicographically in creation order.
func RunID(startedAt time.Time) string {
	return startedAt.UTC().Format("20060102_150405")
}
