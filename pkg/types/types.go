package types

import (
	"time"
)

// Endpoint is a WAF-fronted URL under test, identified by a logical name.
type Endpoint struct {
	Name    string `json:"name" yaml:"name"`
	BaseURL string `json:"base_url" yaml:"base_url"`
}

// Payload is a single crafted request from a dataset file.
type Payload struct {
	Method         string            `json:"method"`
	URL            string            `json:"url"`
	Headers        map[string]string `json:"headers"`
	Data           string            `json:"data"`
	SourceDataset  string            `json:"sourceDataset,omitempty"`
	SourceTestCase string            `json:"sourceTestCase,omitempty"`
}

// Request is one logical HTTP exchange handed to the dispatcher.
// A zero Timeout means the dispatcher default.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    string
	Timeout time.Duration
}

// DispatchResult is the outcome of one dispatch. StatusCode 0 means every
// attempt failed at the transport level.
type DispatchResult struct {
	StatusCode      int               `json:"status_code"`
	ResponseHeaders map[string]string `json:"response_headers"`
	Blocked         bool              `json:"blocked"`
}

// Failed reports whether r is the transport-failure sentinel.
func (r DispatchResult) Failed() bool {
	return r.StatusCode == 0
}

// FailedResult returns the sentinel used when all attempts fail.
func FailedResult() DispatchResult {
	return DispatchResult{
		StatusCode:      0,
		ResponseHeaders: map[string]string{},
		Blocked:         false,
	}
}

type Outcome string

const (
	OutcomeBlocked    Outcome = "blocked"
	OutcomeNotBlocked Outcome = "not_blocked"
	OutcomeFailed     Outcome = "failed"
)

// Outcome distinguishes blocked, passed through and never completed.
func (r DispatchResult) Outcome() Outcome {
	switch {
	case r.Failed():
		return OutcomeFailed
	case r.Blocked:
		return OutcomeBlocked
	default:
		return OutcomeNotBlocked
	}
}

// ResultRecord is one persisted row: payload, dispatch outcome and run
// metadata. Header maps are carried as JSON text.
type ResultRecord struct {
	Method             string    `json:"method" db:"method"`
	URL                string    `json:"url" db:"url"`
	Headers            string    `json:"headers" db:"headers"`
	Data               string    `json:"data" db:"data"`
	SourceDataset      string    `json:"sourceDataset" db:"sourceDataset"`
	SourceTestCase     string    `json:"sourceTestCase" db:"sourceTestCase"`
	ResponseStatusCode int       `json:"response_status_code" db:"response_status_code"`
	ResponseHeaders    string    `json:"response_headers" db:"response_headers"`
	IsBlocked          bool      `json:"isBlocked" db:"isBlocked"`
	MachineName        string    `json:"machineName" db:"machineName"`
	DestinationURL     string    `json:"DestinationURL" db:"DestinationURL"`
	WAFName            string    `json:"WAF_Name" db:"WAF_Name"`
	DateTime           time.Time `json:"DateTime" db:"DateTime"`
	TestName           string    `json:"TestName" db:"TestName"`
	Dataset            string    `json:"dataset" db:"dataset"`
}

// TestCase is one dataset file. Dataset is the parent directory name and
// Name the file stem.
type TestCase struct {
	Dataset string `json:"dataset"`
	Name    string `json:"name"`
	Path    string `json:"path"`
}

// OutcomeCount is one row of a results summary.
type OutcomeCount struct {
	WAFName    string `json:"waf_name" db:"waf_name"`
	Dataset    string `json:"dataset" db:"dataset"`
	Total      int    `json:"total" db:"total"`
	Blocked    int    `json:"blocked" db:"blocked"`
	NotBlocked int    `json:"not_blocked" db:"not_blocked"`
	Failed     int    `json:"failed" db:"failed"`
}

// BlockRate is the share of completed requests that were blocked.
func (c OutcomeCount) BlockRate() float64 {
	completed := c.Blocked + c.NotBlocked
	if completed == 0 {
		return 0
	}
	return float64(c.Blocked) / float64(completed)
}
