package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/pkv-labs/ragcheck/internal/chatapi"
	"github.com/pkv-labs/ragcheck/internal/chunkstore"
	"github.com/pkv-labs/ragcheck/internal/config"
	"github.com/pkv-labs/ragcheck/internal/dataset"
	"github.com/pkv-labs/ragcheck/internal/histdb"
	"github.com/pkv-labs/ragcheck/internal/judge"
	"github.com/pkv-labs/ragcheck/internal/models"
	"github.com/pkv-labs/ragcheck/internal/orchestration"
	"github.com/pkv-labs/ragcheck/internal/projectconfig"
	"github.com/pkv-labs/ragcheck/internal/reporting"
)

var (
	datasetPath       string
	baseURL           string
	reportDir         string
	maxSamples        int
	threshold         float64
	judgeModel        string
	requestTimeoutSec int
	verbose           bool
)

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a retrieval quality evaluation",
		Long: `Run a retrieval quality evaluation against a live chat service.

Questions come from a JSONL dataset with one {"question_id", "question"}
record per line. Credentials and endpoints come from the environment
(.env/.env.local are loaded); flags not set on the command line fall back
to .ragcheck.yaml and then to built-in defaults.`,
		Args: cobra.NoArgs,
		RunE: runCommandE,
	}

	cmd.Flags().StringVar(&datasetPath, "dataset", "", "Path to the JSONL question dataset (required)")
	cmd.Flags().StringVar(&baseURL, "base-url", "", "Chat service base URL")
	cmd.Flags().StringVar(&reportDir, "report-dir", "", "Directory to write run reports into")
	cmd.Flags().IntVar(&maxSamples, "max-samples", 0, "Maximum number of questions to evaluate")
	cmd.Flags().Float64Var(&threshold, "threshold", -1, "Mean score threshold for the PASS verdict")
	cmd.Flags().StringVar(&judgeModel, "judge-model", "", "Judge model name")
	cmd.Flags().IntVar(&requestTimeoutSec, "request-timeout-sec", 0, "Per-request timeout in seconds")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Per-sample progress output")

	_ = cmd.MarkFlagRequired("dataset")

	return cmd
}

func runCommandE(cmd *cobra.Command, args []string) error {
	config.LoadEnvFiles()

	proj, err := projectconfig.Load(".")
	if err != nil {
		return err
	}

	cfg, err := config.Resolve(resolveInputs(cmd, proj), envLookup(proj))
	if err != nil {
		return err
	}

	questions, err := dataset.Load(cfg.Dataset, cfg.MaxSamples)
	if err != nil {
		return fmt.Errorf("failed to load dataset: %w", err)
	}

	httpClient := &http.Client{Timeout: cfg.RequestTimeout}

	store, err := histdb.Open(cfg.DBDSN)
	if err != nil {
		return fmt.Errorf("failed to connect to history database: %w", err)
	}
	defer store.Close()

	scorer, err := judge.New(judge.Config{APIKey: cfg.JudgeAPIKey, Model: cfg.JudgeModel})
	if err != nil {
		return err
	}
	if reason := scorer.FallbackReason(); reason != "" {
		slog.Warn("judge metric fallback", "metric", scorer.MetricName(), "reason", reason)
	}

	runner := orchestration.New(
		chatapi.NewClient(cfg.BaseURL, cfg.AccessToken, httpClient),
		store,
		chunkstore.NewClient(cfg.QdrantURL, cfg.QdrantCollection, httpClient),
		scorer,
		orchestration.Params{
			MemberID:    cfg.MemberID,
			Threshold:   cfg.Threshold,
			DatasetPath: cfg.Dataset,
			BaseURL:     cfg.BaseURL,
			JudgeModel:  cfg.JudgeModel,
		},
	)
	runner.OnProgress(progressPrinter(cmd, cfg.Verbose))

	result, err := runner.Run(cmd.Context(), questions)
	if err != nil {
		return err
	}

	paths, err := reporting.Write(cfg.ReportDir, result)
	if err != nil {
		return err
	}

	printRunResult(cmd, result, paths)
	return nil
}

// resolveInputs merges the three configuration layers: explicit flags win,
// then environment overrides, then .ragcheck.yaml values (which Load already
// backed with built-in defaults).
func resolveInputs(cmd *cobra.Command, proj *projectconfig.ProjectConfig) config.Inputs {
	in := config.Inputs{
		Dataset:        datasetPath,
		BaseURL:        proj.Defaults.BaseURL,
		ReportDir:      proj.Paths.Reports,
		MaxSamples:     proj.Defaults.MaxSamples,
		Threshold:      proj.Defaults.Threshold,
		JudgeModel:     proj.Defaults.JudgeModel,
		RequestTimeout: time.Duration(proj.Defaults.RequestTimeoutSec) * time.Second,
	}
	if proj.Defaults.Verbose != nil {
		in.Verbose = *proj.Defaults.Verbose
	}

	if v := os.Getenv(config.EnvBaseURL); v != "" {
		in.BaseURL = v
	}
	if v := os.Getenv(config.EnvJudgeModel); v != "" {
		in.JudgeModel = v
	}

	flags := cmd.Flags()
	if flags.Changed("base-url") {
		in.BaseURL = baseURL
	}
	if flags.Changed("report-dir") {
		in.ReportDir = reportDir
	}
	if flags.Changed("max-samples") {
		in.MaxSamples = maxSamples
	}
	if flags.Changed("threshold") {
		in.Threshold = threshold
	}
	if flags.Changed("judge-model") {
		in.JudgeModel = judgeModel
	}
	if flags.Changed("request-timeout-sec") {
		in.RequestTimeout = time.Duration(requestTimeoutSec) * time.Second
	}
	if flags.Changed("verbose") {
		in.Verbose = verbose
	}
	return in
}

// envLookup resolves environment variables with .ragcheck.yaml endpoint
// values as the fallback layer. Credentials have no project-config fallback.
func envLookup(proj *projectconfig.ProjectConfig) func(string) string {
	fallback := map[string]string{
		config.EnvDBHost:        proj.Endpoints.DBHost,
		config.EnvDBPort:        proj.Endpoints.DBPort,
		config.EnvDBName:        proj.Endpoints.DBName,
		config.EnvDBUser:        proj.Endpoints.DBUsername,
		config.EnvQdrantHost:    proj.Endpoints.QdrantHost,
		config.EnvQdrantPort:    proj.Endpoints.QdrantPort,
		config.EnvQdrantCollect: proj.Endpoints.QdrantCollection,
	}
	return func(key string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		return fallback[key]
	}
}

func progressPrinter(cmd *cobra.Command, verbose bool) orchestration.ProgressListener {
	out := cmd.OutOrStdout()
	return func(e orchestration.ProgressEvent) {
		switch e.EventType {
		case orchestration.EventRunStart:
			fmt.Fprintf(out, "Evaluating %d questions...\n", e.TotalSamples)
		case orchestration.EventSampleStart:
			if verbose {
				fmt.Fprintf(out, "[%d/%d] %s\n", e.SampleNum, e.TotalSamples, e.QuestionID)
			}
		case orchestration.EventSampleComplete:
			if !verbose {
				return
			}
			switch {
			case e.Score != nil:
				fmt.Fprintf(out, "[%d/%d] %s: %s score=%.4f\n", e.SampleNum, e.TotalSamples, e.QuestionID, e.Status, *e.Score)
			case e.Error != "":
				fmt.Fprintf(out, "[%d/%d] %s: %s (%s)\n", e.SampleNum, e.TotalSamples, e.QuestionID, e.Status, e.Error)
			default:
				fmt.Fprintf(out, "[%d/%d] %s: %s\n", e.SampleNum, e.TotalSamples, e.QuestionID, e.Status)
			}
		}
	}
}

func printRunResult(cmd *cobra.Command, result *models.RunResult, paths *reporting.Paths) {
	out := cmd.OutOrStdout()
	s := result.Summary

	fmt.Fprintf(out, "\nrun_id=%s metric=%s\n", result.RunID, result.MetricName)
	fmt.Fprintf(out, "evaluated=%d/%d excluded_failed=%d excluded_irrelevant=%d excluded_context_missing=%d\n",
		s.Evaluated, s.Total, s.ExcludedFailed, s.ExcludedIrrelevant, s.ExcludedContextMissing)

	if s.MeanScore != nil {
		verdict := "FAIL"
		if s.Pass {
			verdict = "PASS"
		}
		fmt.Fprintf(out, "score=%.6f threshold=%.2f verdict=%s\n", *s.MeanScore, s.Threshold, verdict)
	} else {
		fmt.Fprintf(out, "score=N/A threshold=%.2f verdict=FAIL\n", s.Threshold)
	}

	fmt.Fprintf(out, "json=%s\nmarkdown=%s\n", paths.JSON, paths.Markdown)
}
