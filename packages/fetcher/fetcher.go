// Package fetcher retrieves the high-signal files of one submission
// repository through the GitHub REST API: one tree listing, then one
// contents call per selected file, all rate-limited and retried.
package fetcher

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"cataloger/packages/domain"
	"cataloger/packages/metrics"
	"cataloger/packages/ratelimit"
	"cataloger/packages/retry"
)

// Exact file names worth fetching from any submission.
var keyFiles = []string{
	"readme.md",
	"readme",
	"docker-compose.yml",
	"docker-compose.yaml",
	"requirements.txt",
	"pyproject.toml",
	"dockerfile",
	"makefile",
	"setup.py",
}

// Path fragments that indicate orchestration or infrastructure code.
var keyPatterns = []string{
	".tf",
	"dags/",
	"terraform/",
	"airflow/",
	"kafka",
	"flink",
	"kestra",
	"prefect",
	"mage",
}

var excludedExtensions = []string{
	".png", ".jpg", ".jpeg", ".gif", ".svg", ".ico", ".webp", ".pdf",
	".zip", ".gz", ".tar", ".rar",
	".csv", ".parquet", ".pkl", ".h5",
	".bin", ".exe", ".dll", ".so",
	".lock", ".log",
	".mp3", ".mp4", ".wav", ".avi",
}

var noisePaths = []string{"/node_modules/", "/__pycache__/", "/.git/", "/venv/", "/.venv/"}

// ErrNotFound marks a repository, branch or file the hosting API reports as
// absent. It is permanent and never retried.
var ErrNotFound = errors.New("not found")

type Config struct {
	BaseURL   string
	Token     string
	Timeout   time.Duration
	MaxFiles  int
	FileChars int
	Retry     retry.Policy
}

type Client struct {
	client    *http.Client
	baseURL   string
	token     string
	limiter   *ratelimit.Limiter
	policy    retry.Policy
	maxFiles  int
	fileChars int
}

func New(cfg Config, limiter *ratelimit.Limiter) *Client {
	return &Client{
		client:    &http.Client{Timeout: cfg.Timeout},
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		token:     cfg.Token,
		limiter:   limiter,
		policy:    cfg.Retry,
		maxFiles:  cfg.MaxFiles,
		fileChars: cfg.FileChars,
	}
}

// ParseRepoURL extracts owner, repo and nested submission path from a
// project URL. URLs of the form .../tree/<branch>/<dir> yield the directory
// as subpath; the branch itself is rediscovered from the API.
func ParseRepoURL(rawURL string) (owner, repo, subpath string, err error) {
	cleaned := strings.TrimRight(strings.TrimSpace(rawURL), "/")

	if idx := strings.Index(cleaned, "/tree/"); idx != -1 {
		treePart := cleaned[idx+len("/tree/"):]
		cleaned = cleaned[:idx]
		if branchAndPath := strings.SplitN(treePart, "/", 2); len(branchAndPath) > 1 {
			subpath = strings.TrimRight(branchAndPath[1], "/")
		}
	}

	cleaned = strings.TrimSuffix(cleaned, ".git")

	marker := "github.com/"
	idx := strings.Index(strings.ToLower(cleaned), marker)
	if idx == -1 {
		return "", "", "", fmt.Errorf("not a github repository url: %s", rawURL)
	}

	parts := strings.Split(cleaned[idx+len(marker):], "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", "", fmt.Errorf("no owner/repo in url: %s", rawURL)
	}
	return parts[0], parts[1], subpath, nil
}

// Fetch resolves the repository tree and retrieves the selected files. The
// returned error is non-nil only when the bundle outcome is FetchNone, i.e.
// the tree itself could not be resolved.
func (c *Client) Fetch(ctx context.Context, ref domain.ProjectRef) (domain.FetchBundle, error) {
	bundle := domain.FetchBundle{Ref: ref, Outcome: domain.FetchNone}

	owner, repo, subpath, err := ParseRepoURL(ref.URL)
	if err != nil {
		return bundle, err
	}
	if ref.Subpath != "" {
		subpath = ref.Subpath
	}

	branch, paths, err := c.resolveTree(ctx, owner, repo)
	if err != nil {
		return bundle, fmt.Errorf("resolving tree of %s/%s: %w", owner, repo, err)
	}

	selected := selectPaths(paths, subpath, c.maxFiles)
	slog.Debug("Selected repository files",
		"repo", owner+"/"+repo, "branch", branch, "subpath", subpath,
		"tree_size", len(paths), "selected", len(selected),
	)

	bundle.Outcome = domain.FetchComplete
	for _, p := range selected {
		content, lossy, err := c.fetchFile(ctx, owner, repo, branch, p)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				slog.Debug("File absent at content fetch", "repo", owner+"/"+repo, "path", p)
			} else {
				slog.Warn("Giving up on file", "repo", owner+"/"+repo, "path", p, "error", err)
			}
			bundle.Outcome = domain.FetchPartial
			continue
		}
		bundle.Files = append(bundle.Files, domain.FetchedFile{Path: p, Content: content, Lossy: lossy})
	}
	return bundle, nil
}

// resolveTree lists all blob paths, trying main then master. A missing
// branch moves on to the next candidate; any other failure aborts.
func (c *Client) resolveTree(ctx context.Context, owner, repo string) (string, []string, error) {
	var lastErr error
	for _, branch := range []string{"main", "master"} {
		reqURL := fmt.Sprintf("%s/repos/%s/%s/git/trees/%s?recursive=1", c.baseURL, owner, repo, branch)

		var tr treeResponse
		err := retry.Do(ctx, c.policy, func() error {
			return c.getJSON(ctx, reqURL, &tr)
		})
		if err == nil {
			paths := make([]string, 0, len(tr.Tree))
			for _, entry := range tr.Tree {
				if entry.Type == "blob" {
					paths = append(paths, entry.Path)
				}
			}
			return branch, paths, nil
		}

		lastErr = err
		if !errors.Is(err, ErrNotFound) {
			return "", nil, err
		}
	}
	return "", nil, lastErr
}

func (c *Client) fetchFile(ctx context.Context, owner, repo, branch, filePath string) (string, bool, error) {
	escaped := (&url.URL{Path: filePath}).EscapedPath()
	reqURL := fmt.Sprintf("%s/repos/%s/%s/contents%s?ref=%s",
		c.baseURL, owner, repo, "/"+strings.TrimPrefix(escaped, "/"), url.QueryEscape(branch))

	var cr contentResponse
	err := retry.Do(ctx, c.policy, func() error {
		return c.getJSON(ctx, reqURL, &cr)
	})
	if err != nil {
		return "", false, err
	}
	if cr.Type != "file" || cr.Content == "" {
		return "", false, retry.Permanent(fmt.Errorf("%w: %s is not a regular file", ErrNotFound, filePath))
	}

	raw, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(cr.Content, "\n", ""))
	if err != nil {
		return "", false, retry.Permanent(fmt.Errorf("decoding content of %s: %w", filePath, err))
	}

	content := string(raw)
	lossy := false
	if !utf8.ValidString(content) {
		content = strings.ToValidUTF8(content, "�")
		lossy = true
	}
	return truncateRunes(content, c.fileChars), lossy, nil
}

type treeResponse struct {
	Tree      []treeEntry `json:"tree"`
	Truncated bool        `json:"truncated"`
}

type treeEntry struct {
	Path string `json:"path"`
	Type string `json:"type"`
}

type contentResponse struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// getJSON performs one rate-limited GET. Transient failures come back as
// plain errors for the retry loop; everything that must not be retried is
// wrapped as permanent.
func (c *Client) getJSON(ctx context.Context, reqURL string, out any) error {
	if err := c.limiter.Acquire(ctx, 1); err != nil {
		return retry.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, "GET", reqURL, nil)
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	if c.token != "" {
		req.Header.Set("Authorization", "token "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("repository api request: %w", err)
	}
	defer resp.Body.Close()
	metrics.RepoAPIRequests.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()

	switch {
	case resp.StatusCode == http.StatusOK:
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding repository api response: %w", err)
		}
		return nil
	case resp.StatusCode == http.StatusNotFound:
		io.Copy(io.Discard, resp.Body)
		return retry.Permanent(fmt.Errorf("%w: %s", ErrNotFound, reqURL))
	case resp.StatusCode == http.StatusForbidden && resp.Header.Get("X-RateLimit-Remaining") == "0",
		resp.StatusCode == http.StatusTooManyRequests:
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("repository api rate limited: status %d", resp.StatusCode)
	case resp.StatusCode >= 500:
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("repository api server error: status %d", resp.StatusCode)
	default:
		var errBody strings.Builder
		io.Copy(&errBody, io.LimitReader(resp.Body, 512))
		return retry.Permanent(fmt.Errorf("repository api returned status %d: %s", resp.StatusCode, errBody.String()))
	}
}

func shouldFetch(filePath, subpath string) bool {
	lower := strings.ToLower(filePath)

	if subpath != "" {
		subLower := strings.ToLower(subpath)
		if !strings.HasPrefix(lower, subLower+"/") && lower != subLower {
			// Root-level files stay eligible even for nested submissions.
			if strings.Contains(filePath, "/") {
				return false
			}
		}
	}

	for _, ext := range excludedExtensions {
		if strings.HasSuffix(lower, ext) {
			return false
		}
	}
	for _, noise := range noisePaths {
		if strings.Contains(lower, noise) {
			return false
		}
	}

	name := lower
	if idx := strings.LastIndex(lower, "/"); idx != -1 {
		name = lower[idx+1:]
	}
	for _, kf := range keyFiles {
		if strings.Contains(name, kf) {
			return true
		}
	}
	for _, pattern := range keyPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

// selectPaths filters the tree down to files worth classifying and orders
// them: nested-submission files first, then shallow before deep, then by
// name, capped at max.
func selectPaths(paths []string, subpath string, max int) []string {
	var selected []string
	for _, p := range paths {
		if shouldFetch(p, subpath) {
			selected = append(selected, p)
		}
	}

	subPrefix := ""
	if subpath != "" {
		subPrefix = strings.ToLower(subpath) + "/"
	}
	rank := func(p string) (int, int, string) {
		in := 0
		if subPrefix != "" && strings.HasPrefix(strings.ToLower(p), subPrefix) {
			in = -1
		}
		return in, strings.Count(p, "/"), p
	}
	sort.SliceStable(selected, func(i, j int) bool {
		inI, depthI, nameI := rank(selected[i])
		inJ, depthJ, nameJ := rank(selected[j])
		if inI != inJ {
			return inI < inJ
		}
		if depthI != depthJ {
			return depthI < depthJ
		}
		return nameI < nameJ
	})

	if max > 0 && len(selected) > max {
		selected = selected[:max]
	}
	return selected
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit])
}
