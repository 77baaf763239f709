// Package doctor runs the diagnostic checks behind `pulse doctor`.
package doctor

import (
	"context"
	"fmt"
	"time"
)

// CheckTimeout bounds a single check so one unreachable dependency does not
// stall the report.
const CheckTimeout = 5 * time.Second

// Status is the outcome of one check item.
type Status int

const (
	StatusPass Status = iota
	StatusWarn
	StatusFail
)

func (s Status) String() string {
	switch s {
	case StatusPass:
		return "pass"
	case StatusWarn:
		return "warn"
	case StatusFail:
		return "fail"
	default:
		return "unknown"
	}
}

// MarshalText writes the status by name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a status name.
func (s *Status) UnmarshalText(b []byte) error {
	switch string(b) {
	case "pass":
		*s = StatusPass
	case "warn":
		*s = StatusWarn
	case "fail":
		*s = StatusFail
	default:
		return fmt.Errorf("unknown status %q", b)
	}
	return nil
}

// CheckItem is one line of a check's result.
type CheckItem struct {
	Label   string `json:"label"`
	Status  Status `json:"status"`
	Detail  string `json:"detail,omitempty"`
	Fixable bool   `json:"fixable,omitempty"`
}

// Result is everything one check reported.
type Result struct {
	Name  string      `json:"name"`
	Items []CheckItem `json:"items"`
}

func (r *Result) add(status Status, label, detail string) {
	r.Items = append(r.Items, CheckItem{Label: label, Status: status, Detail: detail})
}

// Check is a single diagnostic.
type Check interface {
	Name() string
	Run(ctx context.Context) Result
}

// Counts tallies item statuses across a report.
type Counts struct {
	Passed  int `json:"passed"`
	Warned  int `json:"warned"`
	Failed  int `json:"failed"`
	Fixable int `json:"fixable"`
}

// Report is the outcome of a doctor run.
type Report struct {
	Healthy bool     `json:"healthy"`
	Summary Counts   `json:"summary"`
	Checks  []Result `json:"checks"`
}

// RunAll executes checks in order, each under CheckTimeout.
func RunAll(ctx context.Context, checks []Check) Report {
	report := Report{Checks: make([]Result, 0, len(checks))}
	for _, check := range checks {
		checkCtx, cancel := context.WithTimeout(ctx, CheckTimeout)
		result := check.Run(checkCtx)
		cancel()

		if result.Name == "" {
			result.Name = check.Name()
		}
		report.Checks = append(report.Checks, result)
	}

	report.Summary = Summarize(report.Checks)
	report.Healthy = report.Summary.Failed == 0
	return report
}

// Summarize counts item statuses. Fixable counts only items that did not
// pass.
func Summarize(results []Result) Counts {
	var c Counts
	for _, r := range results {
		for _, item := range r.Items {
			switch item.Status {
			case StatusPass:
				c.Passed++
			case StatusWarn:
				c.Warned++
			case StatusFail:
				c.Failed++
			}
			if item.Fixable && item.Status != StatusPass {
				c.Fixable++
			}
		}
	}
	return c
}
