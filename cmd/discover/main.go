package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"cataloger/packages/discovery"
	"cataloger/packages/store"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/olekukonko/tablewriter"
)

// Lists the tracked cohorts on the course site next to the state of their
// local data files. Purely read-only, needs no API credentials.
func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, relying on system environment variables.")
	}

	siteURL := os.Getenv("COURSE_SITE_URL")
	if siteURL == "" {
		siteURL = "https://courses.datatalks.club"
	}
	dataDir := os.Getenv("DATA_DIR")
	if dataDir == "" {
		dataDir = "Data"
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	scraper := discovery.New(siteURL, 15*time.Second)
	cohorts, err := scraper.Cohorts(ctx)
	if err != nil {
		slog.Error("Failed to discover cohorts", "error", err)
		os.Exit(1)
	}

	dataStore := store.New(dataDir)

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Course", "Year", "Projects", "Settled", "Data File")

	for _, cohort := range cohorts {
		if ctx.Err() != nil {
			break
		}

		refs, err := scraper.Projects(ctx, cohort)
		if err != nil {
			slog.Error("Failed to list projects", "course", cohort.Course, "year", cohort.Year, "error", err)
			continue
		}

		settled := 0
		dataFile := "-"
		if dataStore.HasData(cohort.Course, cohort.Year) {
			dataFile = dataStore.Path(cohort.Course, cohort.Year)
			records, err := dataStore.Read(cohort.Course, cohort.Year)
			if err != nil {
				slog.Warn("Could not read existing data", "course", cohort.Course, "year", cohort.Year, "error", err)
			}
			for _, rec := range records {
				if rec.Settled() {
					settled++
				}
			}
		}

		_ = table.Append(cohort.Course, cohort.Year, strconv.Itoa(len(refs)), strconv.Itoa(settled), dataFile)
	}

	bold := color.New(color.Bold)
	_, _ = bold.Printf("Tracked cohorts on %s\n", siteURL)
	fmt.Println()
	_ = table.Render()
}
