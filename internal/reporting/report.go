// Package reporting renders a finished evaluation run to the report
// directory: a machine-readable result.json and a human-readable summary.md.
package reporting

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkv-labs/ragcheck/internal/models"
)

const (
	lowestSampleCount  = 10
	excludedListCount  = 20
	errorSnippetLength = 120
)

// Paths are the files a report write produced.
type Paths struct {
	Dir      string
	JSON     string
	Markdown string
}

// Write renders result into <reportDir>/<run_id>/. Failures here are fatal
// for the run: a completed evaluation without a report is not a completed run.
func Write(reportDir string, result *models.RunResult) (*Paths, error) {
	dir := filepath.Join(reportDir, result.RunID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("reporting: create report dir: %w", err)
	}

	paths := &Paths{
		Dir:      dir,
		JSON:     filepath.Join(dir, "result.json"),
		Markdown: filepath.Join(dir, "summary.md"),
	}

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("reporting: marshal result: %w", err)
	}
	if err := os.WriteFile(paths.JSON, append(data, '\n'), 0o644); err != nil {
		return nil, fmt.Errorf("reporting: write result.json: %w", err)
	}

	if err := os.WriteFile(paths.Markdown, []byte(Markdown(result)), 0o644); err != nil {
		return nil, fmt.Errorf("reporting: write summary.md: %w", err)
	}
	return paths, nil
}

// Markdown renders the human-readable run summary.
func Markdown(result *models.RunResult) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Retrieval Evaluation: %s\n\n", result.RunID)

	b.WriteString("## Run\n\n")
	fmt.Fprintf(&b, "- Dataset: `%s`\n", result.DatasetPath)
	fmt.Fprintf(&b, "- Base URL: `%s`\n", result.BaseURL)
	fmt.Fprintf(&b, "- Member ID: %d\n", result.MemberID)
	fmt.Fprintf(&b, "- Judge model: `%s`\n", result.JudgeModel)
	fmt.Fprintf(&b, "- Metric: `%s`\n", result.MetricName)
	fmt.Fprintf(&b, "- Started: %s\n", result.StartedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "- Finished: %s\n", result.FinishedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "- Duration: %.1fs\n", result.DurationSec)
	b.WriteString("\n")

	writeSummarySection(&b, result.Summary)
	writeLowestSamples(&b, result.Samples)
	writeExcludedSamples(&b, result.Samples)

	return b.String()
}

func writeSummarySection(b *strings.Builder, s models.Summary) {
	b.WriteString("## Summary\n\n")
	fmt.Fprintf(b, "| Total | Evaluated | Failed | Irrelevant | Context missing |\n")
	fmt.Fprintf(b, "|------:|----------:|-------:|-----------:|----------------:|\n")
	fmt.Fprintf(b, "| %d | %d | %d | %d | %d |\n\n",
		s.Total, s.Evaluated, s.ExcludedFailed, s.ExcludedIrrelevant, s.ExcludedContextMissing)

	if s.MeanScore != nil {
		fmt.Fprintf(b, "- Mean score: **%.6f**\n", *s.MeanScore)
	} else {
		b.WriteString("- Mean score: **N/A** (no samples evaluated)\n")
	}
	fmt.Fprintf(b, "- Threshold: %.2f\n", s.Threshold)
	if s.Pass {
		b.WriteString("- Verdict: **PASS**\n\n")
	} else {
		b.WriteString("- Verdict: **FAIL**\n\n")
	}
}

// writeLowestSamples lists the weakest scored samples so regressions are easy
// to spot without opening result.json.
func writeLowestSamples(b *strings.Builder, samples []models.Sample) {
	scored := make([]models.Sample, 0, len(samples))
	for _, s := range samples {
		if s.Status == models.StatusOK && s.MetricScore != nil {
			scored = append(scored, s)
		}
	}
	if len(scored) == 0 {
		return
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return *scored[i].MetricScore < *scored[j].MetricScore
	})
	if len(scored) > lowestSampleCount {
		scored = scored[:lowestSampleCount]
	}

	fmt.Fprintf(b, "## Lowest %d Scores\n\n", len(scored))
	b.WriteString("| Question ID | Score | Contexts |\n")
	b.WriteString("|-------------|------:|---------:|\n")
	for _, s := range scored {
		fmt.Fprintf(b, "| %s | %.6f | %d |\n", s.QuestionID, *s.MetricScore, s.RetrievedContextsCount)
	}
	b.WriteString("\n")
}

func writeExcludedSamples(b *strings.Builder, samples []models.Sample) {
	excluded := make([]models.Sample, 0)
	for _, s := range samples {
		if s.Status != models.StatusOK {
			excluded = append(excluded, s)
		}
	}
	if len(excluded) == 0 {
		return
	}

	total := len(excluded)
	if len(excluded) > excludedListCount {
		excluded = excluded[:excludedListCount]
	}

	fmt.Fprintf(b, "## Excluded Samples (%d of %d)\n\n", len(excluded), total)
	b.WriteString("| Question ID | Status | Error |\n")
	b.WriteString("|-------------|--------|-------|\n")
	for _, s := range excluded {
		fmt.Fprintf(b, "| %s | %s | %s |\n", s.QuestionID, s.Status, errorSnippet(s.Error))
	}
	b.WriteString("\n")
}

// errorSnippet flattens an error message to a single truncated table cell.
func errorSnippet(msg string) string {
	msg = strings.Join(strings.Fields(msg), " ")
	msg = strings.ReplaceAll(msg, "|", "\\|")
	if len(msg) > errorSnippetLength {
		return msg[:errorSnippetLength] + "..."
	}
	if msg == "" {
		return "-"
	}
	return msg
}
