package orchestration

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pkv-labs/ragcheck/internal/chatapi"
	"github.com/pkv-labs/ragcheck/internal/histdb"
	"github.com/pkv-labs/ragcheck/internal/models"
)

type fakeChat struct {
	send func(ctx context.Context, question string) (chatapi.Reply, error)
}

func (f *fakeChat) Send(ctx context.Context, question string) (chatapi.Reply, error) {
	return f.send(ctx, question)
}

type fakeHistories struct {
	latest func(ctx context.Context, memberID int64, sessionKey string) (*histdb.History, error)
	refs   func(ctx context.Context, historyID int64) ([]string, error)
}

func (f *fakeHistories) LatestHistory(ctx context.Context, memberID int64, sessionKey string) (*histdb.History, error) {
	return f.latest(ctx, memberID, sessionKey)
}

func (f *fakeHistories) SourceChunkRefs(ctx context.Context, historyID int64) ([]string, error) {
	return f.refs(ctx, historyID)
}

type fakeChunks struct {
	calls []string
	text  func(ctx context.Context, ref string, memberID int64) (string, bool, error)
}

func (f *fakeChunks) ChunkText(ctx context.Context, ref string, memberID int64) (string, bool, error) {
	f.calls = append(f.calls, ref)
	return f.text(ctx, ref, memberID)
}

type fakeScorer struct {
	score func(ctx context.Context, question, response string, contexts []string) (float64, error)
}

func (f *fakeScorer) MetricName() string { return "context_utilization" }

func (f *fakeScorer) Score(ctx context.Context, question, response string, contexts []string) (float64, error) {
	return f.score(ctx, question, response, contexts)
}

func testParams() Params {
	return Params{
		MemberID:    9,
		Threshold:   0.75,
		DatasetPath: "questions.jsonl",
		BaseURL:     "http://localhost:8080",
		JudgeModel:  "gpt-4o-mini",
	}
}

// happyRunner wires fakes for the full pipeline: chat reply, completed
// history, two chunk refs that both resolve, and a fixed score.
func happyRunner(score float64) (*Runner, *fakeChunks) {
	chat := &fakeChat{
		send: func(ctx context.Context, question string) (chatapi.Reply, error) {
			return chatapi.Reply{SessionID: "sess-1", Content: "the answer"}, nil
		},
	}
	histories := &fakeHistories{
		latest: func(ctx context.Context, memberID int64, sessionKey string) (*histdb.History, error) {
			return &histdb.History{ID: 77, Status: "COMPLETED", Answer: "persisted answer"}, nil
		},
		refs: func(ctx context.Context, historyID int64) ([]string, error) {
			return []string{"ref-a", "ref-b"}, nil
		},
	}
	chunks := &fakeChunks{
		text: func(ctx context.Context, ref string, memberID int64) (string, bool, error) {
			return "text of " + ref, true, nil
		},
	}
	scorer := &fakeScorer{
		score: func(ctx context.Context, question, response string, contexts []string) (float64, error) {
			return score, nil
		},
	}
	return New(chat, histories, chunks, scorer, testParams()), chunks
}

func questions(ids ...string) []models.QuestionItem {
	items := make([]models.QuestionItem, 0, len(ids))
	for _, id := range ids {
		items = append(items, models.QuestionItem{QuestionID: id, Question: "question for " + id})
	}
	return items
}

func TestRunHappyPath(t *testing.T) {
	r, _ := happyRunner(0.9)

	result, err := r.Run(context.Background(), questions("q1"))
	require.NoError(t, err)

	require.Len(t, result.Samples, 1)
	s := result.Samples[0]
	assert.Equal(t, models.StatusOK, s.Status)
	assert.Equal(t, "the answer", s.Response)
	assert.Equal(t, "sess-1", s.ChatSessionID)
	assert.Equal(t, int64(77), s.ChatHistoryID)
	assert.Equal(t, "COMPLETED", s.HistoryStatus)
	assert.Equal(t, []string{"ref-a", "ref-b"}, s.RetrievedContextIDs)
	assert.Equal(t, []string{"ref-a", "ref-b"}, s.RetrievedContextIDsResolved)
	assert.Equal(t, []string{"text of ref-a", "text of ref-b"}, s.RetrievedContexts)
	assert.Equal(t, 2, s.RetrievedContextsCount)
	require.NotNil(t, s.MetricScore)
	assert.InDelta(t, 0.9, *s.MetricScore, 1e-9)
	assert.Empty(t, s.Error)

	assert.Equal(t, "context_utilization", result.MetricName)
	assert.Equal(t, 1, result.SamplesRequested)
	assert.Equal(t, result.RunID, models.RunID(result.StartedAt))
	assert.Equal(t, 1, result.Summary.Evaluated)
}

func TestRunPartialContextRestore(t *testing.T) {
	r, _ := happyRunner(0.8)
	r.chunks = &fakeChunks{
		text: func(ctx context.Context, ref string, memberID int64) (string, bool, error) {
			if ref == "ref-b" {
				return "", false, nil
			}
			return "text of " + ref, true, nil
		},
	}

	result, err := r.Run(context.Background(), questions("q1"))
	require.NoError(t, err)

	s := result.Samples[0]
	assert.Equal(t, models.StatusOK, s.Status)
	assert.Equal(t, []string{"ref-a"}, s.RetrievedContextIDsResolved)
	assert.Equal(t, 1, s.RetrievedContextsCount)
	require.NotNil(t, s.MetricScore)
	assert.Equal(t, "partial context restore: 1 refs missing", s.Error)
}

func TestRunNoRefsRecorded(t *testing.T) {
	r, chunks := happyRunner(0.8)
	r.histories = &fakeHistories{
		latest: func(ctx context.Context, memberID int64, sessionKey string) (*histdb.History, error) {
			return &histdb.History{ID: 77, Status: "COMPLETED"}, nil
		},
		refs: func(ctx context.Context, historyID int64) ([]string, error) {
			return nil, nil
		},
	}

	result, err := r.Run(context.Background(), questions("q1"))
	require.NoError(t, err)

	s := result.Samples[0]
	assert.Equal(t, models.StatusExcludedContextMissing, s.Status)
	assert.Equal(t, "no source chunk references recorded", s.Error)
	assert.Nil(t, s.MetricScore)
	assert.Empty(t, chunks.calls, "no chunk lookups without refs")
}

func TestRunNoChunksResolved(t *testing.T) {
	r, _ := happyRunner(0.8)
	r.chunks = &fakeChunks{
		text: func(ctx context.Context, ref string, memberID int64) (string, bool, error) {
			return "", false, nil
		},
	}

	result, err := r.Run(context.Background(), questions("q1"))
	require.NoError(t, err)

	s := result.Samples[0]
	assert.Equal(t, models.StatusExcludedContextMissing, s.Status)
	assert.Equal(t, "no context chunks resolved for 2 refs", s.Error)
	assert.Nil(t, s.MetricScore)
}

func TestRunChunkLookupErrorDiscardsPartials(t *testing.T) {
	r, _ := happyRunner(0.8)
	r.chunks = &fakeChunks{
		text: func(ctx context.Context, ref string, memberID int64) (string, bool, error) {
			if ref == "ref-b" {
				return "", false, errors.New("qdrant unreachable")
			}
			return "text of " + ref, true, nil
		},
	}

	result, err := r.Run(context.Background(), questions("q1"))
	require.NoError(t, err)

	s := result.Samples[0]
	assert.Equal(t, models.StatusExcludedFailed, s.Status)
	assert.Contains(t, s.Error, `context lookup failed for "ref-b"`)
	assert.Empty(t, s.RetrievedContexts, "partially resolved texts discarded")
	assert.Empty(t, s.RetrievedContextIDsResolved)
	assert.Zero(t, s.RetrievedContextsCount)
}

func TestRunChatFailure(t *testing.T) {
	r, _ := happyRunner(0.8)
	r.chat = &fakeChat{
		send: func(ctx context.Context, question string) (chatapi.Reply, error) {
			return chatapi.Reply{}, errors.New("chat: api error CHAT_500: boom")
		},
	}

	result, err := r.Run(context.Background(), questions("q1"))
	require.NoError(t, err, "sample failures never abort the run")

	s := result.Samples[0]
	assert.Equal(t, models.StatusExcludedFailed, s.Status)
	assert.Contains(t, s.Error, "chat request failed")
	assert.Contains(t, s.Error, "CHAT_500")
}

func TestRunHistoryOutcomes(t *testing.T) {
	tests := []struct {
		name       string
		history    *histdb.History
		historyErr error
		wantStatus models.Status
		wantErr    string
	}{
		{
			name:       "lookup error",
			historyErr: errors.New("db gone"),
			wantStatus: models.StatusExcludedFailed,
			wantErr:    "history lookup failed",
		},
		{
			name:       "no history row",
			history:    nil,
			wantStatus: models.StatusExcludedFailed,
			wantErr:    "latest history not found after chat request",
		},
		{
			name:       "irrelevant question",
			history:    &histdb.History{ID: 5, Status: "IRRELEVANT"},
			wantStatus: models.StatusExcludedIrrelevant,
		},
		{
			name:       "unexpected status",
			history:    &histdb.History{ID: 5, Status: "PENDING"},
			wantStatus: models.StatusExcludedFailed,
			wantErr:    "unexpected history status: PENDING",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, chunks := happyRunner(0.8)
			r.histories = &fakeHistories{
				latest: func(ctx context.Context, memberID int64, sessionKey string) (*histdb.History, error) {
					return tt.history, tt.historyErr
				},
				refs: func(ctx context.Context, historyID int64) ([]string, error) {
					return []string{"ref-a"}, nil
				},
			}

			result, err := r.Run(context.Background(), questions("q1"))
			require.NoError(t, err)

			s := result.Samples[0]
			assert.Equal(t, tt.wantStatus, s.Status)
			if tt.wantErr != "" {
				assert.Contains(t, s.Error, tt.wantErr)
			} else {
				assert.Empty(t, s.Error)
			}
			assert.Nil(t, s.MetricScore)
			assert.Empty(t, chunks.calls, "pipeline stops before chunk lookups")
		})
	}
}

func TestRunResponseFallsBackToHistoryAnswer(t *testing.T) {
	r, _ := happyRunner(0.8)
	r.chat = &fakeChat{
		send: func(ctx context.Context, question string) (chatapi.Reply, error) {
			return chatapi.Reply{SessionID: "sess-1", Content: "   "}, nil
		},
	}

	result, err := r.Run(context.Background(), questions("q1"))
	require.NoError(t, err)

	s := result.Samples[0]
	assert.Equal(t, models.StatusOK, s.Status)
	assert.Equal(t, "persisted answer", s.Response)
}

func TestRunEmptyResponseEverywhere(t *testing.T) {
	r, _ := happyRunner(0.8)
	r.chat = &fakeChat{
		send: func(ctx context.Context, question string) (chatapi.Reply, error) {
			return chatapi.Reply{SessionID: "sess-1"}, nil
		},
	}
	r.histories = &fakeHistories{
		latest: func(ctx context.Context, memberID int64, sessionKey string) (*histdb.History, error) {
			return &histdb.History{ID: 77, Status: "COMPLETED", Answer: ""}, nil
		},
		refs: func(ctx context.Context, historyID int64) ([]string, error) {
			return []string{"ref-a"}, nil
		},
	}

	result, err := r.Run(context.Background(), questions("q1"))
	require.NoError(t, err)

	s := result.Samples[0]
	assert.Equal(t, models.StatusExcludedFailed, s.Status)
	assert.Equal(t, "empty response text", s.Error)
}

func TestRunScoringFailure(t *testing.T) {
	r, _ := happyRunner(0.8)
	r.scorer = &fakeScorer{
		score: func(ctx context.Context, question, response string, contexts []string) (float64, error) {
			return 0, errors.New("judge: completion returned no choices")
		},
	}

	result, err := r.Run(context.Background(), questions("q1"))
	require.NoError(t, err)

	s := result.Samples[0]
	assert.Equal(t, models.StatusExcludedFailed, s.Status)
	assert.Contains(t, s.Error, "scoring failed")
	assert.Nil(t, s.MetricScore)
}

// TestRunMixedStatuses covers the full aggregation: each question is routed
// to a different terminal status and the summary reflects the per-status
// counts with the mean over scored samples only.
func TestRunMixedStatuses(t *testing.T) {
	outcomes := map[string]struct {
		status string
		score  float64
	}{
		"q-ok-high":    {status: "COMPLETED", score: 0.9},
		"q-ok-low":     {status: "COMPLETED", score: 0.7},
		"q-irrelevant": {status: "IRRELEVANT"},
		"q-failed":     {status: "PENDING"},
	}

	var current string
	chat := &fakeChat{
		send: func(ctx context.Context, question string) (chatapi.Reply, error) {
			return chatapi.Reply{SessionID: current, Content: "answer"}, nil
		},
	}
	histories := &fakeHistories{
		latest: func(ctx context.Context, memberID int64, sessionKey string) (*histdb.History, error) {
			return &histdb.History{ID: 1, Status: outcomes[sessionKey].status}, nil
		},
		refs: func(ctx context.Context, historyID int64) ([]string, error) {
			return []string{"ref-a"}, nil
		},
	}
	chunks := &fakeChunks{
		text: func(ctx context.Context, ref string, memberID int64) (string, bool, error) {
			return "chunk text", true, nil
		},
	}
	scorer := &fakeScorer{
		score: func(ctx context.Context, question, response string, contexts []string) (float64, error) {
			return outcomes[current].score, nil
		},
	}

	r := New(chat, histories, chunks, scorer, testParams())
	r.OnProgress(func(e ProgressEvent) {
		if e.EventType == EventSampleStart {
			current = e.QuestionID
		}
	})

	result, err := r.Run(context.Background(), questions("q-ok-high", "q-ok-low", "q-irrelevant", "q-failed"))
	require.NoError(t, err)

	s := result.Summary
	assert.Equal(t, 4, s.Total)
	assert.Equal(t, 2, s.Evaluated)
	assert.Equal(t, 1, s.ExcludedIrrelevant)
	assert.Equal(t, 1, s.ExcludedFailed)
	require.NotNil(t, s.MeanScore)
	assert.InDelta(t, 0.8, *s.MeanScore, 1e-9)
	assert.True(t, s.Pass)

	for _, sample := range result.Samples {
		if sample.Status == models.StatusOK {
			assert.NotNil(t, sample.MetricScore, sample.QuestionID)
			assert.Len(t, sample.RetrievedContexts, len(sample.RetrievedContextIDsResolved), sample.QuestionID)
		} else {
			assert.Nil(t, sample.MetricScore, sample.QuestionID)
		}
	}
}

func TestRunProgressEvents(t *testing.T) {
	r, _ := happyRunner(0.9)

	var events []ProgressEvent
	r.OnProgress(func(e ProgressEvent) { events = append(events, e) })

	_, err := r.Run(context.Background(), questions("q1", "q2"))
	require.NoError(t, err)

	require.Len(t, events, 6)
	assert.Equal(t, EventRunStart, events[0].EventType)
	assert.Equal(t, EventSampleStart, events[1].EventType)
	assert.Equal(t, EventSampleComplete, events[2].EventType)
	assert.Equal(t, EventRunComplete, events[5].EventType)

	assert.Equal(t, "q1", events[1].QuestionID)
	assert.Equal(t, 1, events[1].SampleNum)
	assert.Equal(t, 2, events[1].TotalSamples)
	assert.Equal(t, models.StatusOK, events[2].Status)
	require.NotNil(t, events[2].Score)
}

func TestRunCancelled(t *testing.T) {
	r, _ := happyRunner(0.9)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Run(ctx, questions("q1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Contains(t, err.Error(), fmt.Sprintf("after %d of %d samples", 0, 1))
}
