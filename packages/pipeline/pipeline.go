// Package pipeline
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"cataloger/packages/domain"
	"cataloger/packages/metrics"
	"cataloger/packages/results"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
)

// Fetcher retrieves the relevant files of one project repository.
type Fetcher interface {
	Fetch(ctx context.Context, ref domain.ProjectRef) (domain.FetchBundle, error)
}

// Oracle turns a fetched bundle into a deployment/cloud verdict.
type Oracle interface {
	Classify(ctx context.Context, bundle domain.FetchBundle, validTypes []string) (*domain.Verdict, error)
}

// ResumeTracker loads the records a previous run left on disk for a cohort.
type ResumeTracker interface {
	Read(course, year string) ([]domain.ProjectRecord, error)
}

type Config struct {
	MaxWorkers   int
	ProjectLimit int
	ForceAll     bool
	ShowProgress bool
}

// Summary counts what happened to one cohort's worth of projects.
type Summary struct {
	Discovered     int
	Skipped        int
	Attempted      int
	Succeeded      int
	FetchFailed    int
	ClassifyFailed int
}

type Pipeline struct {
	cfg     Config
	fetcher Fetcher
	oracle  Oracle
	resume  ResumeTracker
}

func New(cfg Config, fetcher Fetcher, oracle Oracle, resume ResumeTracker) *Pipeline {
	return &Pipeline{
		cfg:     cfg,
		fetcher: fetcher,
		oracle:  oracle,
		resume:  resume,
	}
}

// Run processes every project of one cohort and returns the records for the
// whole cohort in discovery order, stored rows included. Projects whose URL
// already has a usable verdict are skipped unless ForceAll is set; the limit
// applies to the projects that remain after that gate. A cancelled ctx stops
// new projects from starting, lets in-flight ones finish, and is reported
// back so the caller can still persist the partial result set.
func (p *Pipeline) Run(ctx context.Context, course, year string, validTypes []string, refs []domain.ProjectRef) ([]domain.ProjectRecord, Summary, error) {
	summary := Summary{Discovered: len(refs)}

	previous, err := p.resume.Read(course, year)
	if err != nil {
		return nil, summary, fmt.Errorf("reading existing records for %s/%s: %w", course, year, err)
	}
	stored := make(map[string]domain.ProjectRecord, len(previous))
	for _, rec := range previous {
		if _, ok := stored[rec.Ref.URL]; !ok {
			stored[rec.Ref.URL] = rec
		}
	}

	// Stored rows for discovered URLs are seeded so skipped and unprocessed
	// projects keep their rows in the rewritten file. Live results replace
	// seeds under the accumulator's merge rules.
	acc := results.NewAccumulator()
	var admitted []domain.ProjectRef
	for _, ref := range refs {
		acc.Admit(ref)
		rec, known := stored[ref.URL]
		if known {
			acc.Seed(rec)
		}
		if known && rec.Settled() && !p.cfg.ForceAll {
			summary.Skipped++
			continue
		}
		admitted = append(admitted, ref)
	}
	if p.cfg.ProjectLimit > 0 && len(admitted) > p.cfg.ProjectLimit {
		admitted = admitted[:p.cfg.ProjectLimit]
	}
	summary.Attempted = len(admitted)

	if len(admitted) == 0 {
		slog.Info("Nothing to process", "course", course, "year", year, "discovered", summary.Discovered, "skipped", summary.Skipped)
		return acc.Snapshot(), summary, nil
	}

	slog.Info("Processing cohort", "course", course, "year", year, "projects", len(admitted), "skipped", summary.Skipped, "workers", p.cfg.MaxWorkers)

	var bar *progressbar.ProgressBar
	if p.cfg.ShowProgress {
		bar = progressbar.NewOptions(len(admitted),
			progressbar.OptionSetDescription(fmt.Sprintf("Classifying %s-%s", course, year)),
			progressbar.OptionSetWidth(50),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetTheme(progressbar.Theme{
				Saucer:        "█",
				SaucerHead:    "█",
				SaucerPadding: "░",
				BarStart:      "│",
				BarEnd:        "│",
			}),
			progressbar.OptionEnableColorCodes(true),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionThrottle(65*time.Millisecond),
			progressbar.OptionClearOnFinish(),
		)
	}

	var succeeded, fetchFailed, classifyFailed atomic.Int64

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.MaxWorkers)

	for _, ref := range admitted {
		currentRef := ref
		g.Go(func() error {
			if gCtx.Err() != nil {
				return nil
			}
			state := p.processProject(gCtx, currentRef, validTypes, acc)
			switch state {
			case domain.FetchFailed:
				fetchFailed.Add(1)
			case domain.ClassifyFailed:
				classifyFailed.Add(1)
			default:
				succeeded.Add(1)
			}
			metrics.ProjectsProcessed.WithLabelValues(course, string(state)).Inc()
			if bar != nil {
				_ = bar.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	if bar != nil {
		_ = bar.Finish()
	}

	summary.Succeeded = int(succeeded.Load())
	summary.FetchFailed = int(fetchFailed.Load())
	summary.ClassifyFailed = int(classifyFailed.Load())

	slog.Info("Finished processing cohort",
		"course", course, "year", year,
		"succeeded", summary.Succeeded,
		"fetch_failed", summary.FetchFailed,
		"classify_failed", summary.ClassifyFailed)

	return acc.Snapshot(), summary, ctx.Err()
}

// processProject drives one project through fetch and classification and
// appends exactly one record for it, success or failure. The returned state is
// the terminal outcome before recording.
func (p *Pipeline) processProject(ctx context.Context, ref domain.ProjectRef, validTypes []string, acc *results.Accumulator) domain.ProjectState {
	log := slog.With("url", ref.URL, "course", ref.Course, "year", ref.Year)

	metrics.InflightProjects.Inc()
	start := time.Now()
	defer func() {
		metrics.InflightProjects.Dec()
		metrics.ProjectDuration.WithLabelValues(ref.Course).Observe(time.Since(start).Seconds())
	}()

	// A project that has started keeps its network budget even when the run
	// is shutting down, so its record is never half-made.
	workCtx := context.WithoutCancel(ctx)

	log.Debug("Project state change", "state", domain.Fetching)
	bundle, err := p.fetcher.Fetch(workCtx, ref)
	if err != nil {
		log.Error("Fetch failed", "error", err)
		acc.Append(domain.ProjectRecord{Ref: ref, FailureReason: "fetch failed: " + err.Error()})
		return domain.FetchFailed
	}

	log.Debug("Project state change", "state", domain.Classifying, "files", len(bundle.Files), "fetch_outcome", bundle.Outcome)
	verdict, err := p.oracle.Classify(workCtx, bundle, validTypes)
	if err != nil {
		log.Error("Classification failed", "error", err)
		acc.Append(domain.ProjectRecord{Ref: ref, FailureReason: "classification failed: " + err.Error()})
		return domain.ClassifyFailed
	}

	acc.Append(domain.ProjectRecord{Ref: ref, Verdict: verdict})
	log.Info("Project classified", "deployment", verdict.DeploymentLabel(), "cloud", verdict.Cloud, "fetch_outcome", bundle.Outcome)
	return domain.Classified
}
