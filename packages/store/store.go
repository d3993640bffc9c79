// Package store owns the flat per-course-per-year result table at
// {dataDir}/{course}/{year}/data.csv and the resume lookup built on it.
package store

import (
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"

	"cataloger/packages/domain"
)

const dataFileName = "data.csv"

const maxReasonChars = 100

var columns = []string{"project_url", "project_title", "Deployment Type", "Reason", "Cloud"}

type Store struct {
	dataDir string
}

func New(dataDir string) *Store {
	return &Store{dataDir: dataDir}
}

func (s *Store) Path(course, year string) string {
	return filepath.Join(s.dataDir, course, year, dataFileName)
}

// HasData reports whether a result table already exists for the cohort.
func (s *Store) HasData(course, year string) bool {
	_, err := os.Stat(s.Path(course, year))
	return err == nil
}

// Write persists the records atomically: the table is written to a temp
// file in the target directory and renamed over the old one, so readers
// never observe a half-written table.
func (s *Store) Write(course, year string, records []domain.ProjectRecord) error {
	path := s.Path(course, year)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("creating data directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, dataFileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp table: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := csv.NewWriter(tmp)
	if err := w.Write(columns); err != nil {
		tmp.Close()
		return fmt.Errorf("writing table header: %w", err)
	}
	for _, rec := range records {
		if err := w.Write(rowFor(rec)); err != nil {
			tmp.Close()
			return fmt.Errorf("writing row for %s: %w", rec.Ref.URL, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		return fmt.Errorf("flushing table: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp table: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replacing table %s: %w", path, err)
	}
	slog.Info("Result table written", "path", path, "rows", len(records))
	return nil
}

func rowFor(rec domain.ProjectRecord) []string {
	if rec.Failed() {
		return []string{
			rec.Ref.URL,
			domain.FailureSentinel,
			domain.FailureSentinel,
			clipRunes(rec.FailureReason, maxReasonChars),
			domain.FailureSentinel,
		}
	}
	v := rec.Verdict
	return []string{
		rec.Ref.URL,
		FixMojibake(v.Title),
		v.DeploymentLabel(),
		FixMojibake(v.Reason),
		v.Cloud,
	}
}

// Read loads the cohort's table. A missing table is an empty result, not an
// error.
func (s *Store) Read(course, year string) ([]domain.ProjectRecord, error) {
	f, err := os.Open(s.Path(course, year))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening table: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading table %s: %w", s.Path(course, year), err)
	}

	var records []domain.ProjectRecord
	for i, row := range rows {
		if i == 0 && len(row) > 0 && row[0] == columns[0] {
			continue
		}
		if len(row) < 5 || strings.TrimSpace(row[0]) == "" {
			continue
		}
		rec := domain.ProjectRecord{
			Ref: domain.ProjectRef{URL: row[0], Course: course, Year: year},
		}
		if row[2] == domain.FailureSentinel {
			rec.FailureReason = row[3]
		} else {
			rec.Verdict = &domain.Verdict{
				Title:       row[1],
				Deployments: splitDeployments(row[2]),
				Reason:      row[3],
				Cloud:       row[4],
			}
		}
		records = append(records, rec)
	}
	return records, nil
}

func splitDeployments(label string) []string {
	var out []string
	for _, part := range strings.Split(label, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// FixMojibake repairs UTF-8 text that was decoded as Latin-1 somewhere
// upstream (Ã£, â€ and friends). Text the round-trip cannot repair is
// returned unchanged.
func FixMojibake(text string) string {
	if !strings.Contains(text, "Ã") && !strings.Contains(text, "â€") && !strings.Contains(text, "Â") {
		return text
	}
	raw, err := charmap.ISO8859_1.NewEncoder().String(text)
	if err != nil || !utf8.ValidString(raw) {
		return text
	}
	return raw
}

func clipRunes(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit])
}
