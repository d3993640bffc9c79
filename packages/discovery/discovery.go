// Package discovery scrapes the course site for finished cohorts and the
// submission URLs on each cohort's projects page.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"cataloger/packages/domain"
)

// Courses tracked on the site, keyed by URL slug prefix.
var trackedCourses = map[string]string{
	"de-zoomcamp":    "dezoomcamp",
	"ml-zoomcamp":    "mlzoomcamp",
	"mlops-zoomcamp": "mlopszoomcamp",
	"llm-zoomcamp":   "llmzoomcamp",
}

var courseDeploymentTypes = map[string][]string{
	"dezoomcamp":    {"Batch", "Streaming"},
	"mlzoomcamp":    {"Batch", "Web Service"},
	"mlopszoomcamp": {"Batch", "Web Service"},
	"llmzoomcamp":   {"Batch", "Web Service"},
}

var defaultDeploymentTypes = []string{"Batch", "Streaming", "Web Service"}

// ValidDeploymentTypes returns the closed deployment-type set for a course.
// Unrecognized courses accept everything.
func ValidDeploymentTypes(course string) []string {
	if types, ok := courseDeploymentTypes[course]; ok {
		return types
	}
	return defaultDeploymentTypes
}

var cohortPattern = regexp.MustCompile(`/([a-z]+-zoomcamp-(\d{4}))`)

// Cohort is one course/year offering with its projects page.
type Cohort struct {
	Course string
	Year   string
	Slug   string
	URL    string
}

type Scraper struct {
	client  *http.Client
	baseURL string
}

func New(baseURL string, timeout time.Duration) *Scraper {
	return &Scraper{
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// Cohorts scrapes the homepage for finished cohorts of tracked courses,
// newest year first per course.
func (s *Scraper) Cohorts(ctx context.Context) ([]Cohort, error) {
	doc, err := s.fetchDoc(ctx, s.baseURL)
	if err != nil {
		return nil, fmt.Errorf("fetching course listing: %w", err)
	}

	var cohorts []Cohort
	seen := make(map[string]struct{})
	inFinished := false

	doc.Find("h3, li").Each(func(_ int, sel *goquery.Selection) {
		if goquery.NodeName(sel) == "h3" {
			inFinished = strings.Contains(strings.ToLower(strings.TrimSpace(sel.Text())), "finished")
			return
		}
		if !inFinished {
			return
		}

		href, ok := sel.Find("a[href]").First().Attr("href")
		if !ok {
			return
		}
		match := cohortPattern.FindStringSubmatch(href)
		if match == nil {
			return
		}

		slug, year := match[1], match[2]
		if _, dup := seen[slug]; dup {
			return
		}
		seen[slug] = struct{}{}

		for prefix, folder := range trackedCourses {
			if strings.HasPrefix(slug, prefix) {
				cohorts = append(cohorts, Cohort{
					Course: folder,
					Year:   year,
					Slug:   slug,
					URL:    fmt.Sprintf("%s/%s/projects", s.baseURL, slug),
				})
				break
			}
		}
	})

	sort.Slice(cohorts, func(i, j int) bool {
		if cohorts[i].Course != cohorts[j].Course {
			return cohorts[i].Course < cohorts[j].Course
		}
		return cohorts[i].Year > cohorts[j].Year
	})

	slog.Info("Discovered cohorts", "count", len(cohorts))
	return cohorts, nil
}

// Projects scrapes the cohort's projects page. Submission tables carry a
// project_url column; rows are returned in page order, duplicates included.
func (s *Scraper) Projects(ctx context.Context, cohort Cohort) ([]domain.ProjectRef, error) {
	doc, err := s.fetchDoc(ctx, cohort.URL)
	if err != nil {
		return nil, fmt.Errorf("fetching projects page for %s: %w", cohort.Slug, err)
	}

	var refs []domain.ProjectRef
	doc.Find("table").Each(func(_ int, table *goquery.Selection) {
		headerRow, urlCol := locateURLColumn(table)
		if urlCol == -1 {
			return
		}

		table.Find("tr").Each(func(rowIdx int, tr *goquery.Selection) {
			if rowIdx <= headerRow {
				return
			}
			cells := tr.Find("td, th")
			if cells.Length() <= urlCol {
				return
			}
			url := strings.TrimSpace(cells.Eq(urlCol).Text())
			if url == "" {
				return
			}
			refs = append(refs, domain.ProjectRef{
				URL:    url,
				Course: cohort.Course,
				Year:   cohort.Year,
			})
		})
	})

	slog.Info("Scraped project URLs", "cohort", cohort.Slug, "count", len(refs))
	return refs, nil
}

// locateURLColumn finds the header row and column index of project_url.
// Published sheets often carry a banner row above the real header, so every
// row is a candidate until a match appears.
func locateURLColumn(table *goquery.Selection) (headerRow, urlCol int) {
	headerRow, urlCol = -1, -1
	table.Find("tr").EachWithBreak(func(rowIdx int, tr *goquery.Selection) bool {
		tr.Find("td, th").EachWithBreak(func(cellIdx int, cell *goquery.Selection) bool {
			if strings.TrimSpace(cell.Text()) == "project_url" {
				headerRow, urlCol = rowIdx, cellIdx
				return false
			}
			return true
		})
		return urlCol == -1
	})
	return headerRow, urlCol
}

func (s *Scraper) fetchDoc(ctx context.Context, rawURL string) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("bad status code: %d", resp.StatusCode)
	}
	return goquery.NewDocumentFromReader(resp.Body)
}
