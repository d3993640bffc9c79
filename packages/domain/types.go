// Package domain
package domain

import "strings"

type ProjectState string

const (
	Pending        ProjectState = "pending"
	Fetching       ProjectState = "fetching"
	Fetched        ProjectState = "fetched"
	FetchFailed    ProjectState = "fetch_failed"
	Classifying    ProjectState = "classifying"
	Classified     ProjectState = "classified"
	ClassifyFailed ProjectState = "classify_failed"
	Recorded       ProjectState = "recorded"
)

type FetchOutcome string

const (
	FetchComplete FetchOutcome = "complete"
	FetchPartial  FetchOutcome = "partial"
	FetchNone     FetchOutcome = "failed"
)

// ProjectRef identifies one course submission. Subpath is set when the
// submission lives under a /tree/<branch>/<subdir> URL rather than at the
// repository root.
type ProjectRef struct {
	URL     string
	Subpath string
	Course  string
	Year    string
}

// FetchedFile holds one retrieved file. Lossy is true when the raw bytes were
// not valid UTF-8 and replacement characters were substituted.
type FetchedFile struct {
	Path    string
	Content string
	Lossy   bool
}

// FetchBundle is the ordered set of files retrieved for one project. It is
// owned by a single worker from fetch until classification.
type FetchBundle struct {
	Ref     ProjectRef
	Files   []FetchedFile
	Outcome FetchOutcome
}

// Verdict is the parsed classification answer for one project. Deployments
// holds one or more entries from the course's valid set, or "Unknown".
type Verdict struct {
	Deployments []string
	Cloud       string
	Reason      string
	Title       string
}

func (v *Verdict) DeploymentLabel() string {
	if v == nil || len(v.Deployments) == 0 {
		return Unknown
	}
	return strings.Join(v.Deployments, ", ")
}

const (
	CloudGCP   = "GCP"
	CloudAWS   = "AWS"
	CloudAzure = "Azure"
	CloudOther = "Other"
)

// Unknown is the in-band sentinel for a valid verdict with no usable
// evidence. It is distinct from FailureSentinel, which marks rows whose
// processing failed outright.
const (
	Unknown         = "Unknown"
	FailureSentinel = "Error"
)

// ProjectRecord is the row unit: exactly one of Verdict and FailureReason is
// set.
type ProjectRecord struct {
	Ref           ProjectRef
	Verdict       *Verdict
	FailureReason string
}

func (r ProjectRecord) Failed() bool {
	return r.Verdict == nil
}

// Settled reports whether the record carries a usable verdict, meaning the
// project does not need reprocessing on a later run. Failure markers and
// Unknown placeholders are not settled.
func (r ProjectRecord) Settled() bool {
	if r.Verdict == nil {
		return false
	}
	return usable(r.Verdict.Title) && usable(r.Verdict.DeploymentLabel())
}

func usable(value string) bool {
	v := strings.TrimSpace(value)
	return v != "" && v != Unknown && v != FailureSentinel
}
