// Package oracle turns a fetched file bundle into a classification verdict
// via an OpenAI-compatible chat completion endpoint. The answer is a fixed
// line format parsed into deployment type(s), cloud provider, evidence and a
// title; anything that never parses becomes a permanent failure, not a
// default verdict.
package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"cataloger/packages/domain"
	"cataloger/packages/metrics"
	"cataloger/packages/ratelimit"
	"cataloger/packages/retry"
)

type Config struct {
	Endpoint   string
	APIKey     string
	Model      string
	Timeout    time.Duration
	FileChars  int
	TotalChars int
	Retry      retry.Policy
}

type Client struct {
	client     *http.Client
	endpoint   string
	apiKey     string
	model      string
	limiter    *ratelimit.Limiter
	policy     retry.Policy
	fileChars  int
	totalChars int
}

func New(cfg Config, limiter *ratelimit.Limiter) *Client {
	return &Client{
		client:     &http.Client{Timeout: cfg.Timeout},
		endpoint:   cfg.Endpoint,
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		limiter:    limiter,
		policy:     cfg.Retry,
		fileChars:  cfg.FileChars,
		totalChars: cfg.TotalChars,
	}
}

// Classify issues one classification call for the bundle and parses the
// structured answer. validTypes is the course's closed deployment-type set;
// tokens outside it are discarded. An empty bundle yields an Unknown verdict
// without spending any budget.
func (c *Client) Classify(ctx context.Context, bundle domain.FetchBundle, validTypes []string) (*domain.Verdict, error) {
	contextText := BuildContext(bundle.Files, c.fileChars, c.totalChars)
	if strings.TrimSpace(contextText) == "" {
		slog.Debug("No classifiable content, returning unknown verdict", "url", bundle.Ref.URL)
		return &domain.Verdict{
			Deployments: []string{domain.Unknown},
			Cloud:       domain.Unknown,
			Reason:      "no relevant files fetched",
			Title:       domain.Unknown,
		}, nil
	}

	prompt := buildPrompt(bundle.Ref.URL, contextText, validTypes)

	var verdict *domain.Verdict
	err := retry.Do(ctx, c.policy, func() error {
		answer, err := c.complete(ctx, prompt)
		if err != nil {
			return err
		}
		v, err := parseVerdict(answer, validTypes)
		if err != nil {
			return fmt.Errorf("unparseable classification answer: %w", err)
		}
		verdict = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	return verdict, nil
}

// BuildContext renders files as "--- path ---" blocks, truncating each file
// at fileChars and the whole context at totalChars with a trailing marker.
// Truncation is head-only so identical bundles always produce identical
// requests.
func BuildContext(files []domain.FetchedFile, fileChars, totalChars int) string {
	var b strings.Builder
	for _, f := range files {
		b.WriteString("\n--- ")
		b.WriteString(f.Path)
		b.WriteString(" ---\n")
		b.WriteString(truncateRunes(f.Content, fileChars))
		b.WriteString("\n")

		if totalChars > 0 && utf8.RuneCountInString(b.String()) > totalChars {
			return truncateRunes(b.String(), totalChars) + "\n[truncated...]"
		}
	}
	return b.String()
}

func buildPrompt(projectURL, contextText string, validTypes []string) string {
	types := strings.Join(validTypes, ", ")
	return fmt.Sprintf(`You are classifying a student data project repository.

Repository: %s

Key files:
%s

Valid deployment types for this course: %s.
A project may combine several of them. Use Unknown only when the evidence is insufficient.

Answer in exactly this format:
DEPLOYMENT: <one or more of: %s; or Unknown>
DEPLOYMENT_REASON: <one line of evidence>
CLOUD: <GCP, AWS, Azure, Other or Unknown>
CLOUD_REASON: <one line of evidence>
TITLE: <short descriptive project title, at most six words, no quotes>`,
		projectURL, contextText, types, types)
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float32       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// complete performs one rate-limited chat completion and returns the raw
// answer text. Transient failures come back as plain errors for the retry
// loop; everything that must not be retried is wrapped as permanent.
func (c *Client) complete(ctx context.Context, prompt string) (string, error) {
	if err := c.limiter.Acquire(ctx, 1); err != nil {
		return "", retry.Permanent(err)
	}

	body, err := json.Marshal(chatRequest{
		Model:       c.model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: 0,
	})
	if err != nil {
		return "", retry.Permanent(fmt.Errorf("marshaling classification request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("classification request: %w", err)
	}
	defer resp.Body.Close()
	metrics.ClassifyRequests.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("classification api returned status %d", resp.StatusCode)
	default:
		var errBody strings.Builder
		io.Copy(&errBody, io.LimitReader(resp.Body, 512))
		return "", retry.Permanent(fmt.Errorf("classification api returned status %d: %s", resp.StatusCode, errBody.String()))
	}

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", fmt.Errorf("decoding classification response: %w", err)
	}
	if cr.Error != nil {
		return "", fmt.Errorf("classification api error: %s", cr.Error.Message)
	}
	if len(cr.Choices) == 0 {
		return "", fmt.Errorf("classification response has no choices")
	}
	return cr.Choices[0].Message.Content, nil
}

// parseVerdict extracts the labeled lines from the model answer. DEPLOYMENT
// and CLOUD are required; their absence is a parse failure.
func parseVerdict(answer string, validTypes []string) (*domain.Verdict, error) {
	fields := map[string]string{}
	for _, line := range strings.Split(answer, "\n") {
		for _, key := range []string{"DEPLOYMENT", "DEPLOYMENT_REASON", "CLOUD", "CLOUD_REASON", "TITLE"} {
			prefix := key + ":"
			if strings.HasPrefix(strings.TrimSpace(line), prefix) {
				fields[key] = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), prefix))
				break
			}
		}
	}

	if _, ok := fields["DEPLOYMENT"]; !ok {
		return nil, fmt.Errorf("missing DEPLOYMENT line in %q", clip(answer, 200))
	}
	if _, ok := fields["CLOUD"]; !ok {
		return nil, fmt.Errorf("missing CLOUD line in %q", clip(answer, 200))
	}

	return &domain.Verdict{
		Deployments: normalizeDeployments(fields["DEPLOYMENT"], validTypes),
		Cloud:       normalizeCloud(fields["CLOUD"]),
		Reason:      fields["DEPLOYMENT_REASON"],
		Title:       cleanTitle(fields["TITLE"]),
	}, nil
}

// normalizeDeployments validates each answer token against the course's
// closed set, keeping the set's canonical casing. Nothing valid left means
// Unknown.
func normalizeDeployments(raw string, validTypes []string) []string {
	raw = strings.ReplaceAll(raw, " and ", ",")
	var out []string
	for _, token := range strings.Split(raw, ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		for _, valid := range validTypes {
			if strings.EqualFold(token, valid) {
				out = append(out, valid)
				break
			}
		}
	}
	if len(out) == 0 {
		return []string{domain.Unknown}
	}
	return out
}

func normalizeCloud(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "gcp", "google cloud", "google cloud platform", "google":
		return domain.CloudGCP
	case "aws", "amazon web services", "amazon":
		return domain.CloudAWS
	case "azure", "microsoft azure":
		return domain.CloudAzure
	case "", "unknown", "none", "n/a":
		return domain.Unknown
	default:
		return domain.CloudOther
	}
}

func cleanTitle(raw string) string {
	title := strings.TrimSpace(raw)
	title = strings.TrimPrefix(title, "Title: ")
	title = strings.ReplaceAll(title, `"`, "")
	title = strings.TrimRight(title, ".")
	title = strings.TrimSpace(title)
	if title == "" {
		return domain.Unknown
	}
	return title
}

func clip(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit])
}
