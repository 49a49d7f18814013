// Package orchestration drives the evaluation pipeline: for each question it
// sends a chat request, resolves the persisted retrieval trace, restores the
// context chunk texts, and scores retrieval quality with the judge.
package orchestration

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkv-labs/ragcheck/internal/chatapi"
	"github.com/pkv-labs/ragcheck/internal/histdb"
	"github.com/pkv-labs/ragcheck/internal/models"
)

// History statuses the chat service writes that the runner branches on.
const (
	historyStatusCompleted  = "COMPLETED"
	historyStatusIrrelevant = "IRRELEVANT"
)

// ChatClient sends one question to the chat service and returns its reply.
type ChatClient interface {
	Send(ctx context.Context, question string) (chatapi.Reply, error)
}

// HistoryStore reads the persisted chat trace for a session.
type HistoryStore interface {
	LatestHistory(ctx context.Context, memberID int64, sessionKey string) (*histdb.History, error)
	SourceChunkRefs(ctx context.Context, historyID int64) ([]string, error)
}

// ChunkResolver restores a source chunk reference to its stored text.
type ChunkResolver interface {
	ChunkText(ctx context.Context, sourceChunkRef string, memberID int64) (text string, found bool, err error)
}

// Scorer judges retrieval quality for one evaluated sample.
type Scorer interface {
	MetricName() string
	Score(ctx context.Context, question, response string, retrievedContexts []string) (float64, error)
}

// EventType tags a progress event.
type EventType string

const (
	EventRunStart       EventType = "run_start"
	EventRunComplete    EventType = "run_complete"
	EventSampleStart    EventType = "sample_start"
	EventSampleComplete EventType = "sample_complete"
)

// ProgressEvent is one progress update delivered to listeners.
type ProgressEvent struct {
	EventType    EventType
	QuestionID   string
	SampleNum    int
	TotalSamples int
	Status       models.Status
	Score        *float64
	Error        string
}

// ProgressListener receives progress updates.
type ProgressListener func(event ProgressEvent)

// Params carries the run-level settings the runner needs beyond its
// collaborators.
type Params struct {
	MemberID    int64
	Threshold   float64
	DatasetPath string
	BaseURL     string
	JudgeModel  string
}

// Runner executes one evaluation run, strictly sequentially. Per-sample
// failures are recorded on the sample and never abort the run; only context
// cancellation stops it early.
type Runner struct {
	chat      ChatClient
	histories HistoryStore
	chunks    ChunkResolver
	scorer    Scorer
	params    Params

	progressMu sync.Mutex
	listeners  []ProgressListener
}

// New creates a Runner over the given pipeline collaborators.
func New(chat ChatClient, histories HistoryStore, chunks ChunkResolver, scorer Scorer, params Params) *Runner {
	return &Runner{
		chat:      chat,
		histories: histories,
		chunks:    chunks,
		scorer:    scorer,
		params:    params,
	}
}

// OnProgress registers a progress listener.
func (r *Runner) OnProgress(listener ProgressListener) {
	r.progressMu.Lock()
	defer r.progressMu.Unlock()
	r.listeners = append(r.listeners, listener)
}

func (r *Runner) notifyProgress(event ProgressEvent) {
	r.progressMu.Lock()
	listeners := make([]ProgressListener, len(r.listeners))
	copy(listeners, r.listeners)
	r.progressMu.Unlock()

	for _, listener := range listeners {
		listener(event)
	}
}

// Run evaluates every question in order and assembles the run result. The
// returned error is non-nil only for run-fatal conditions (cancellation);
// everything sample-level lands in the samples themselves.
func (r *Runner) Run(ctx context.Context, questions []models.QuestionItem) (*models.RunResult, error) {
	startedAt := time.Now()
	total := len(questions)

	r.notifyProgress(ProgressEvent{EventType: EventRunStart, TotalSamples: total})

	samples := make([]models.Sample, 0, total)
	for i, q := range questions {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("run aborted after %d of %d samples: %w", i, total, err)
		}

		r.notifyProgress(ProgressEvent{
			EventType:    EventSampleStart,
			QuestionID:   q.QuestionID,
			SampleNum:    i + 1,
			TotalSamples: total,
		})

		sample := r.evaluate(ctx, q)
		samples = append(samples, sample)

		r.notifyProgress(ProgressEvent{
			EventType:    EventSampleComplete,
			QuestionID:   q.QuestionID,
			SampleNum:    i + 1,
			TotalSamples: total,
			Status:       sample.Status,
			Score:        sample.MetricScore,
			Error:        sample.Error,
		})
	}

	finishedAt := time.Now()
	result := &models.RunResult{
		RunID:            models.RunID(startedAt),
		StartedAt:        startedAt.UTC(),
		FinishedAt:       finishedAt.UTC(),
		DurationSec:      finishedAt.Sub(startedAt).Seconds(),
		DatasetPath:      r.params.DatasetPath,
		BaseURL:          r.params.BaseURL,
		MemberID:         r.params.MemberID,
		JudgeModel:       r.params.JudgeModel,
		MetricName:       r.scorer.MetricName(),
		SamplesRequested: total,
		Summary:          models.Summarize(samples, r.params.Threshold),
		Samples:          samples,
	}

	r.notifyProgress(ProgressEvent{EventType: EventRunComplete, TotalSamples: total})
	return result, nil
}

// evaluate walks one question through the pipeline and returns its terminal
// sample. Every early return sets exactly one excluded status.
func (r *Runner) evaluate(ctx context.Context, q models.QuestionItem) models.Sample {
	sample := models.Sample{
		QuestionID: q.QuestionID,
		Question:   q.Question,
	}

	reply, err := r.chat.Send(ctx, q.Question)
	if err != nil {
		return fail(sample, fmt.Sprintf("chat request failed: %v", err))
	}
	sample.ChatSessionID = reply.SessionID

	history, err := r.histories.LatestHistory(ctx, r.params.MemberID, reply.SessionID)
	if err != nil {
		return fail(sample, fmt.Sprintf("history lookup failed: %v", err))
	}
	if history == nil {
		return fail(sample, "latest history not found after chat request")
	}
	sample.ChatHistoryID = history.ID
	sample.HistoryStatus = history.Status

	switch history.Status {
	case historyStatusIrrelevant:
		sample.Status = models.StatusExcludedIrrelevant
		return sample
	case historyStatusCompleted:
		// proceed
	default:
		return fail(sample, fmt.Sprintf("unexpected history status: %s", history.Status))
	}

	// The chat reply carries the answer, but older service versions only
	// persist it on the history row.
	sample.Response = strings.TrimSpace(reply.Content)
	if sample.Response == "" {
		sample.Response = strings.TrimSpace(history.Answer)
	}
	if sample.Response == "" {
		return fail(sample, "empty response text")
	}

	refs, err := r.histories.SourceChunkRefs(ctx, history.ID)
	if err != nil {
		return fail(sample, fmt.Sprintf("source chunk lookup failed: %v", err))
	}
	sample.RetrievedContextIDs = refs
	if len(refs) == 0 {
		sample.Status = models.StatusExcludedContextMissing
		sample.Error = "no source chunk references recorded"
		return sample
	}

	missing := 0
	for _, ref := range refs {
		text, found, err := r.chunks.ChunkText(ctx, ref, r.params.MemberID)
		if err != nil {
			sample.RetrievedContextIDsResolved = nil
			sample.RetrievedContexts = nil
			sample.RetrievedContextsCount = 0
			return fail(sample, fmt.Sprintf("context lookup failed for %q: %v", ref, err))
		}
		if !found {
			missing++
			continue
		}
		sample.RetrievedContextIDsResolved = append(sample.RetrievedContextIDsResolved, ref)
		sample.RetrievedContexts = append(sample.RetrievedContexts, text)
	}
	sample.RetrievedContextsCount = len(sample.RetrievedContexts)

	if sample.RetrievedContextsCount == 0 {
		sample.Status = models.StatusExcludedContextMissing
		sample.Error = fmt.Sprintf("no context chunks resolved for %d refs", len(refs))
		return sample
	}
	if missing > 0 {
		sample.Error = fmt.Sprintf("partial context restore: %d refs missing", missing)
	}

	score, err := r.scorer.Score(ctx, sample.Question, sample.Response, sample.RetrievedContexts)
	if err != nil {
		return fail(sample, fmt.Sprintf("scoring failed: %v", err))
	}

	sample.Status = models.StatusOK
	sample.MetricScore = &score
	return sample
}

func fail(sample models.Sample, msg string) models.Sample {
	sample.Status = models.StatusExcludedFailed
	sample.Error = msg
	return sample
}
