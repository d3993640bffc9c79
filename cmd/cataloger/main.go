package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"cataloger/packages/config"
	"cataloger/packages/discovery"
	"cataloger/packages/fetcher"
	"cataloger/packages/metrics"
	"cataloger/packages/oracle"
	"cataloger/packages/pipeline"
	"cataloger/packages/ratelimit"
	"cataloger/packages/retry"
	"cataloger/packages/store"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/olekukonko/tablewriter"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	bold  = color.New(color.Bold)
	green = color.New(color.FgGreen)
	red   = color.New(color.FgRed)
)

func setupLogger(cfg config.Config) {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	logDir := filepath.Dir(cfg.LogFile)
	if err := os.MkdirAll(logDir, 0750); err != nil {
		slog.New(slog.NewJSONHandler(os.Stderr, nil)).Error(
			"Failed to create log directory", "path", logDir, "error", err,
		)
	}

	logRotator := &lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    5,
		MaxBackups: 3,
		MaxAge:     30,
		Compress:   true,
	}

	multiWriter := io.MultiWriter(os.Stdout, logRotator)

	handler := slog.NewJSONHandler(multiWriter, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Value = slog.StringValue(a.Value.Time().Format(time.RFC3339Nano))
			}
			return a
		},
	}).WithAttrs([]slog.Attr{slog.String("service", "cataloger")})

	logger := slog.New(handler)
	slog.SetDefault(logger)
}

type cohortResult struct {
	cohort  discovery.Cohort
	summary pipeline.Summary
}

func main() {
	courseFlag := flag.String("course", "", "Only process cohorts of this course (folder name, e.g. 'dezoomcamp')")
	yearFlag := flag.String("year", "", "Only process cohorts of this year (e.g. '2025')")
	limitFlag := flag.Int("limit", -1, "Process at most N projects per cohort (-1 = use PROJECT_LIMIT)")
	allFlag := flag.Bool("all", false, "Reprocess every project, including ones with a stored verdict")
	noProgressFlag := flag.Bool("no-progress", false, "Disable the terminal progress bar")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stderr, nil)).Error("FATAL: Failed to load configuration", "error", err)
		os.Exit(1)
	}
	setupLogger(cfg)

	if *limitFlag >= 0 {
		cfg.ProjectLimit = *limitFlag
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("--- Starting Project Cataloger ---")

	go metrics.ExposeMetrics(cfg.MetricsAddr)

	retryPolicy := retry.Policy{
		MaxAttempts: cfg.MaxRetries,
		BaseDelay:   cfg.RetryBaseDelay,
		MaxDelay:    cfg.RetryMaxDelay,
		Jitter:      cfg.RetryJitter,
	}

	repoFetcher := fetcher.New(fetcher.Config{
		BaseURL:   cfg.GithubAPIURL,
		Token:     cfg.GithubToken,
		Timeout:   cfg.FetchTimeout,
		MaxFiles:  cfg.MaxFilesPerRepo,
		FileChars: cfg.FetchFileChars,
		Retry:     retryPolicy,
	}, ratelimit.New(cfg.GithubRPS, cfg.GithubBurst))

	classifier := oracle.New(oracle.Config{
		Endpoint:   cfg.ClassifyAPIURL,
		APIKey:     cfg.ClassifyAPIKey,
		Model:      cfg.ClassifyModel,
		Timeout:    cfg.ClassifyTimeout,
		FileChars:  cfg.ContextFileChars,
		TotalChars: cfg.ContextTotalChars,
		Retry:      retryPolicy,
	}, ratelimit.New(cfg.ClassifyRPS, cfg.ClassifyBurst))

	dataStore := store.New(cfg.DataDir)

	pipe := pipeline.New(pipeline.Config{
		MaxWorkers:   cfg.MaxWorkers,
		ProjectLimit: cfg.ProjectLimit,
		ForceAll:     *allFlag,
		ShowProgress: !*noProgressFlag,
	}, repoFetcher, classifier, dataStore)

	scraper := discovery.New(cfg.CourseSiteURL, cfg.FetchTimeout)

	cohorts, err := scraper.Cohorts(ctx)
	if err != nil {
		slog.Error("Failed to discover cohorts", "error", err)
		os.Exit(1)
	}
	cohorts = filterCohorts(cohorts, *courseFlag, *yearFlag)
	if len(cohorts) == 0 {
		slog.Warn("No cohorts matched", "course", *courseFlag, "year", *yearFlag)
		return
	}
	slog.Info("Cohorts to process", "count", len(cohorts))

	var processed []cohortResult
	interrupted := false

	for _, cohort := range cohorts {
		if ctx.Err() != nil {
			interrupted = true
			break
		}

		refs, err := scraper.Projects(ctx, cohort)
		if err != nil {
			slog.Error("Failed to list cohort projects", "course", cohort.Course, "year", cohort.Year, "error", err)
			continue
		}

		validTypes := discovery.ValidDeploymentTypes(cohort.Course)
		records, summary, runErr := pipe.Run(ctx, cohort.Course, cohort.Year, validTypes, refs)
		if len(records) > 0 {
			if err := dataStore.Write(cohort.Course, cohort.Year, records); err != nil {
				slog.Error("Failed to write cohort data", "course", cohort.Course, "year", cohort.Year, "error", err)
			}
		}
		processed = append(processed, cohortResult{cohort: cohort, summary: summary})

		if runErr != nil {
			slog.Warn("Run interrupted, partial results written", "course", cohort.Course, "year", cohort.Year)
			interrupted = true
			break
		}
	}

	printSummaryTable(processed)
	if interrupted {
		_, _ = red.Println("Interrupted. Finished cohorts were written; rerun to pick up the rest.")
		return
	}
	_, _ = green.Println("All cohorts processed.")
}

func filterCohorts(cohorts []discovery.Cohort, course, year string) []discovery.Cohort {
	if course == "" && year == "" {
		return cohorts
	}
	var out []discovery.Cohort
	for _, c := range cohorts {
		if course != "" && c.Course != course {
			continue
		}
		if year != "" && c.Year != year {
			continue
		}
		out = append(out, c)
	}
	return out
}

func printSummaryTable(processed []cohortResult) {
	if len(processed) == 0 {
		return
	}

	fmt.Println()
	_, _ = bold.Println("Cohort results")
	fmt.Println()

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Course", "Year", "Discovered", "Skipped", "Attempted", "Classified", "Fetch Failed", "Classify Failed")

	var totals pipeline.Summary
	for _, p := range processed {
		s := p.summary
		_ = table.Append(
			p.cohort.Course,
			p.cohort.Year,
			strconv.Itoa(s.Discovered),
			strconv.Itoa(s.Skipped),
			strconv.Itoa(s.Attempted),
			strconv.Itoa(s.Succeeded),
			strconv.Itoa(s.FetchFailed),
			strconv.Itoa(s.ClassifyFailed),
		)
		totals.Discovered += s.Discovered
		totals.Skipped += s.Skipped
		totals.Attempted += s.Attempted
		totals.Succeeded += s.Succeeded
		totals.FetchFailed += s.FetchFailed
		totals.ClassifyFailed += s.ClassifyFailed
	}
	if len(processed) > 1 {
		_ = table.Append(
			"total", "",
			strconv.Itoa(totals.Discovered),
			strconv.Itoa(totals.Skipped),
			strconv.Itoa(totals.Attempted),
			strconv.Itoa(totals.Succeeded),
			strconv.Itoa(totals.FetchFailed),
			strconv.Itoa(totals.ClassifyFailed),
		)
	}
	_ = table.Render()
	fmt.Println()
}
