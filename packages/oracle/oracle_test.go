package oracle

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"cataloger/packages/domain"
	"cataloger/packages/ratelimit"
	"cataloger/packages/retry"
)

var courseTypes = []string{"Batch", "Streaming", "Web Service"}

func testOracle(endpoint string) *Client {
	return New(Config{
		Endpoint:   endpoint,
		APIKey:     "test-key",
		Model:      "test/model",
		Timeout:    5 * time.Second,
		FileChars:  4000,
		TotalChars: 15000,
		Retry:      retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond},
	}, ratelimit.New(0, 0))
}

// chatServer responds like an OpenAI-compatible completions endpoint,
// wrapping fn's answer text into the choices envelope.
func chatServer(t *testing.T, fn func(r *http.Request) (int, string)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status, answer := fn(r)
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"content": answer}},
			},
		}
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			t.Errorf("encoding fake response: %v", err)
		}
	}))
}

func bundleWith(files ...domain.FetchedFile) domain.FetchBundle {
	return domain.FetchBundle{
		Ref:     domain.ProjectRef{URL: "https://github.com/alice/project"},
		Files:   files,
		Outcome: domain.FetchComplete,
	}
}

func TestClassify_ParsesWellFormedAnswer(t *testing.T) {
	var gotReq chatRequest
	var gotAuth string

	srv := chatServer(t, func(r *http.Request) (int, string) {
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		return http.StatusOK, strings.Join([]string{
			"DEPLOYMENT: Batch",
			"DEPLOYMENT_REASON: Airflow DAGs load BigQuery daily",
			"CLOUD: GCP",
			"CLOUD_REASON: Terraform provisions BigQuery and GCS",
			"TITLE: NYC Taxi Data Pipeline",
		}, "\n")
	})
	defer srv.Close()

	c := testOracle(srv.URL)
	verdict, err := c.Classify(context.Background(), bundleWith(
		domain.FetchedFile{Path: "README.md", Content: "# NYC taxi pipeline on GCP"},
	), courseTypes)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := verdict.DeploymentLabel(); got != "Batch" {
		t.Errorf("deployment = %q, want Batch", got)
	}
	if verdict.Cloud != domain.CloudGCP {
		t.Errorf("cloud = %q, want GCP", verdict.Cloud)
	}
	if verdict.Reason != "Airflow DAGs load BigQuery daily" {
		t.Errorf("unexpected reason %q", verdict.Reason)
	}
	if verdict.Title != "NYC Taxi Data Pipeline" {
		t.Errorf("unexpected title %q", verdict.Title)
	}

	if gotAuth != "Bearer test-key" {
		t.Errorf("auth header = %q", gotAuth)
	}
	if gotReq.Model != "test/model" {
		t.Errorf("model = %q", gotReq.Model)
	}
	if gotReq.Temperature != 0 {
		t.Errorf("temperature = %v, want 0", gotReq.Temperature)
	}
	if len(gotReq.Messages) != 1 {
		t.Fatalf("expected single message, got %d", len(gotReq.Messages))
	}
	prompt := gotReq.Messages[0].Content
	if !strings.Contains(prompt, "--- README.md ---") {
		t.Error("prompt misses the file block")
	}
	if !strings.Contains(prompt, "Batch, Streaming, Web Service") {
		t.Error("prompt misses the course's valid deployment types")
	}
}

func TestClassify_MultipleDeploymentTypes(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{raw: "Batch, Streaming", want: "Batch, Streaming"},
		{raw: "Batch and Streaming", want: "Batch, Streaming"},
		{raw: "batch, WEB SERVICE", want: "Batch, Web Service"},
	}

	for _, tt := range tests {
		answer := "DEPLOYMENT: " + tt.raw + "\nCLOUD: AWS\nTITLE: Project"
		srv := chatServer(t, func(r *http.Request) (int, string) {
			return http.StatusOK, answer
		})
		c := testOracle(srv.URL)
		verdict, err := c.Classify(context.Background(), bundleWith(
			domain.FetchedFile{Path: "README.md", Content: "streaming"},
		), courseTypes)
		srv.Close()
		if err != nil {
			t.Fatalf("%q: unexpected error: %v", tt.raw, err)
		}
		if got := verdict.DeploymentLabel(); got != tt.want {
			t.Errorf("%q: deployment = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestClassify_TypesOutsideCourseSetBecomeUnknown(t *testing.T) {
	srv := chatServer(t, func(r *http.Request) (int, string) {
		return http.StatusOK, "DEPLOYMENT: Serverless\nCLOUD: AWS\nTITLE: Project"
	})
	defer srv.Close()

	c := testOracle(srv.URL)
	verdict, err := c.Classify(context.Background(), bundleWith(
		domain.FetchedFile{Path: "README.md", Content: "lambda"},
	), []string{"Batch", "Web Service"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := verdict.DeploymentLabel(); got != domain.Unknown {
		t.Errorf("deployment = %q, want Unknown", got)
	}
	// The verdict is still a success, Unknown is in-band
	if verdict.Cloud != domain.CloudAWS {
		t.Errorf("cloud = %q, want AWS", verdict.Cloud)
	}
}

func TestClassify_ParseFailureExhaustsRetriesThenFails(t *testing.T) {
	var calls atomic.Int32
	srv := chatServer(t, func(r *http.Request) (int, string) {
		calls.Add(1)
		return http.StatusOK, "The project looks like a batch pipeline to me."
	})
	defer srv.Close()

	c := testOracle(srv.URL)
	verdict, err := c.Classify(context.Background(), bundleWith(
		domain.FetchedFile{Path: "README.md", Content: "pipeline"},
	), courseTypes)

	if err == nil {
		t.Fatal("expected error for unparseable answers")
	}
	if verdict != nil {
		t.Errorf("expected nil verdict, got %+v", verdict)
	}
	// Each parse failure is worth a fresh attempt
	if calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestClassify_EmptyBundleSkipsTheAPI(t *testing.T) {
	var calls atomic.Int32
	srv := chatServer(t, func(r *http.Request) (int, string) {
		calls.Add(1)
		return http.StatusOK, "DEPLOYMENT: Batch\nCLOUD: GCP"
	})
	defer srv.Close()

	c := testOracle(srv.URL)
	verdict, err := c.Classify(context.Background(), bundleWith(), courseTypes)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if calls.Load() != 0 {
		t.Errorf("empty bundle must not reach the api, got %d calls", calls.Load())
	}
	if got := verdict.DeploymentLabel(); got != domain.Unknown {
		t.Errorf("deployment = %q, want Unknown", got)
	}
	if verdict.Reason != "no relevant files fetched" {
		t.Errorf("unexpected reason %q", verdict.Reason)
	}
}

func TestClassify_ServerErrorIsRetried(t *testing.T) {
	var calls atomic.Int32
	srv := chatServer(t, func(r *http.Request) (int, string) {
		if calls.Add(1) == 1 {
			return http.StatusInternalServerError, ""
		}
		return http.StatusOK, "DEPLOYMENT: Web Service\nCLOUD: Azure\nTITLE: Churn API"
	})
	defer srv.Close()

	c := testOracle(srv.URL)
	verdict, err := c.Classify(context.Background(), bundleWith(
		domain.FetchedFile{Path: "app.py", Content: "flask"},
	), courseTypes)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if calls.Load() != 2 {
		t.Errorf("expected 2 calls, got %d", calls.Load())
	}
	if verdict.Cloud != domain.CloudAzure {
		t.Errorf("cloud = %q, want Azure", verdict.Cloud)
	}
}

func TestClassify_BadRequestIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := chatServer(t, func(r *http.Request) (int, string) {
		calls.Add(1)
		return http.StatusBadRequest, ""
	})
	defer srv.Close()

	c := testOracle(srv.URL)
	_, err := c.Classify(context.Background(), bundleWith(
		domain.FetchedFile{Path: "README.md", Content: "x"},
	), courseTypes)

	if err == nil {
		t.Fatal("expected error on 400")
	}
	if calls.Load() != 1 {
		t.Errorf("400 must not be retried, got %d calls", calls.Load())
	}
}

func TestBuildContext_FormatsFileBlocks(t *testing.T) {
	files := []domain.FetchedFile{
		{Path: "README.md", Content: "hello"},
		{Path: "Dockerfile", Content: "FROM python:3.11"},
	}

	got := BuildContext(files, 4000, 15000)
	want := "\n--- README.md ---\nhello\n\n--- Dockerfile ---\nFROM python:3.11\n"
	if got != want {
		t.Errorf("context = %q, want %q", got, want)
	}
}

func TestBuildContext_TruncatesEachFile(t *testing.T) {
	files := []domain.FetchedFile{
		{Path: "big.md", Content: strings.Repeat("a", 100)},
	}

	got := BuildContext(files, 10, 15000)
	if !strings.Contains(got, strings.Repeat("a", 10)+"\n") {
		t.Errorf("expected file clipped to 10 runes, got %q", got)
	}
	if strings.Contains(got, strings.Repeat("a", 11)) {
		t.Errorf("file not truncated: %q", got)
	}
}

func TestBuildContext_ClipsTotalWithMarker(t *testing.T) {
	files := []domain.FetchedFile{
		{Path: "a.md", Content: strings.Repeat("a", 60)},
		{Path: "b.md", Content: strings.Repeat("b", 60)},
		{Path: "c.md", Content: strings.Repeat("c", 60)},
	}

	got := BuildContext(files, 4000, 100)
	if !strings.HasSuffix(got, "\n[truncated...]") {
		t.Fatalf("expected truncation marker, got %q", got)
	}
	if strings.Contains(got, "c.md") {
		t.Error("files past the total budget must not appear")
	}

	// Same bundle, same clipped context
	if again := BuildContext(files, 4000, 100); again != got {
		t.Error("context build is not deterministic")
	}
}

func TestParseVerdict_RequiresDeploymentAndCloud(t *testing.T) {
	if _, err := parseVerdict("CLOUD: GCP\nTITLE: x", courseTypes); err == nil {
		t.Error("expected error when DEPLOYMENT line is missing")
	}
	if _, err := parseVerdict("DEPLOYMENT: Batch\nTITLE: x", courseTypes); err == nil {
		t.Error("expected error when CLOUD line is missing")
	}
	if _, err := parseVerdict("DEPLOYMENT: Batch\nCLOUD: GCP", courseTypes); err != nil {
		t.Errorf("title and reasons are optional, got %v", err)
	}
}

func TestNormalizeCloud(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"GCP", domain.CloudGCP},
		{"Google Cloud", domain.CloudGCP},
		{"Google Cloud Platform", domain.CloudGCP},
		{"google", domain.CloudGCP},
		{"AWS", domain.CloudAWS},
		{"Amazon Web Services", domain.CloudAWS},
		{"amazon", domain.CloudAWS},
		{"Azure", domain.CloudAzure},
		{"Microsoft Azure", domain.CloudAzure},
		{"DigitalOcean", domain.CloudOther},
		{"localhost only", domain.CloudOther},
		{"Unknown", domain.Unknown},
		{"none", domain.Unknown},
		{"n/a", domain.Unknown},
		{"", domain.Unknown},
	}
	for _, tt := range tests {
		if got := normalizeCloud(tt.raw); got != tt.want {
			t.Errorf("normalizeCloud(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestCleanTitle(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{`"Quoted Project"`, "Quoted Project"},
		{"Title: Taxi Pipeline", "Taxi Pipeline"},
		{"Ends with period.", "Ends with period"},
		{"  padded  ", "padded"},
		{"", domain.Unknown},
		{`""`, domain.Unknown},
	}
	for _, tt := range tests {
		if got := cleanTitle(tt.raw); got != tt.want {
			t.Errorf("cleanTitle(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}
