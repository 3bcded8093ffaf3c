package fhir

import (
	"encoding/json"
	"fmt"
	"strings"
)

// OperationOutcome severity levels per FHIR R4.
const (
	IssueSeverityFatal       = "fatal"
	IssueSeverityError       = "error"
	IssueSeverityWarning     = "warning"
	IssueSeverityInformation = "information"
)

// OperationOutcome issue type codes the classifier cares about.
const (
	IssueTypeTimeout   = "timeout"
	IssueTypeTransient = "transient"
	IssueTypeThrottled = "throttled"
	IssueTypeLockError = "lock-error"
	IssueTypeNoStore   = "no-store"
)

// OperationOutcome is the server's structured error report.
type OperationOutcome struct {
	ResourceType string                 `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

// OperationOutcomeIssue is a single reported issue.
type OperationOutcomeIssue struct {
	Severity    string `json:"severity"`
	Code        string `json:"code"`
	Diagnostics string `json:"diagnostics,omitempty"`
}

// retriableIssueCodes are issue types that indicate a transient server-side
// condition. An error-level issue with one of these codes is eligible for
// the same retry loop as a 5xx.
var retriableIssueCodes = map[string]bool{
	IssueTypeTimeout:   true,
	IssueTypeTransient: true,
	IssueTypeThrottled: true,
	IssueTypeLockError: true,
	IssueTypeNoStore:   true,
}

// IsRetriableIssue reports whether an issue code is in the transient set.
func IsRetriableIssue(code string) bool {
	return retriableIssueCodes[code]
}

// ParseOutcome attempts to read an OperationOutcome out of a response body.
// A body that is not an OperationOutcome (or not JSON at all) yields
// (nil, nil): absence of an outcome is not an error.
func ParseOutcome(data []byte) (*OperationOutcome, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var oo OperationOutcome
	if err := json.Unmarshal(data, &oo); err != nil {
		return nil, nil
	}
	if oo.ResourceType != "OperationOutcome" {
		return nil, nil
	}
	return &oo, nil
}

// Fatal reports whether the outcome must abort the request: any issue at
// fatal or error severity whose code is outside the transient set.
// Severity and code together are the sole classifier; the HTTP status of
// the carrying response is deliberately not consulted.
func (o *OperationOutcome) Fatal() bool {
	for _, issue := range o.Issue {
		if issue.Severity != IssueSeverityFatal && issue.Severity != IssueSeverityError {
			continue
		}
		if !IsRetriableIssue(issue.Code) {
			return true
		}
	}
	return false
}

// Transient reports whether the outcome carries error-level issues that are
// all in the transient set, making the request eligible for retry.
func (o *OperationOutcome) Transient() bool {
	transient := false
	for _, issue := range o.Issue {
		if issue.Severity != IssueSeverityFatal && issue.Severity != IssueSeverityError {
			continue
		}
		if !IsRetriableIssue(issue.Code) {
			return false
		}
		transient = true
	}
	return transient
}

// Summary renders the issues as a compact single-line string for logs and
// error messages.
func (o *OperationOutcome) Summary() string {
	parts := make([]string, 0, len(o.Issue))
	for _, issue := range o.Issue {
		s := fmt.Sprintf("%s/%s", issue.Severity, issue.Code)
		if issue.Diagnostics != "" {
			s += ": " + issue.Diagnostics
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, "; ")
}
