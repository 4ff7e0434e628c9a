// Package recorder turns dispatch results into result records and appends
// them to the sink.
package recorder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/CodeMonkeyCybersecurity/wafcompare/internal/core"
	"github.com/CodeMonkeyCybersecurity/wafcompare/internal/logger"
	"github.com/CodeMonkeyCybersecurity/wafcompare/internal/registry"
	"github.com/CodeMonkeyCybersecurity/wafcompare/pkg/types"
)

type Recorder struct {
	sink     core.ResultSink
	registry *registry.Registry
	logger   *logger.Logger
	hostname string
	now      func() time.Time
}

type Option func(*Recorder)

func WithHostname(name string) Option {
	return func(r *Recorder) { r.hostname = name }
}

func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

func WithLogger(log *logger.Logger) Option {
	return func(r *Recorder) { r.logger = log.WithComponent("recorder") }
}

func New(sink core.ResultSink, reg *registry.Registry, opts ...Option) *Recorder {
	r := &Recorder{
		sink:     sink,
		registry: reg,
		logger:   logger.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.hostname == "" {
		if h, err := os.Hostname(); err == nil {
			r.hostname = h
		}
	}
	return r
}

// Record appends one record per (payload, result) pair. payloads[i] must
// correspond to results[i].
func (r *Recorder) Record(ctx context.Context, payloads []types.Payload, endpoint types.Endpoint, results []types.DispatchResult, testName, datasetName string) ([]types.ResultRecord, error) {
	records, err := r.Build(payloads, endpoint, results, testName, datasetName)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return records, nil
	}

	start := time.Now()
	if err := r.sink.AppendRecords(ctx, records); err != nil {
		return nil, fmt.Errorf("failed to append %d records for %s/%s: %w", len(records), datasetName, testName, err)
	}

	r.logger.LogDuration(ctx, "recorder.Record", start,
		"waf", records[0].WAFName,
		"dataset", datasetName,
		"test_name", testName,
		"records", len(records),
	)
	return records, nil
}

// Build assembles records without touching the sink.
func (r *Recorder) Build(payloads []types.Payload, endpoint types.Endpoint, results []types.DispatchResult, testName, datasetName string) ([]types.ResultRecord, error) {
	if len(payloads) != len(results) {
		return nil, fmt.Errorf("payload/result count mismatch: %d payloads, %d results", len(payloads), len(results))
	}

	wafName, err := r.registry.ResolveName(endpoint.BaseURL)
	if err != nil {
		return nil, err
	}

	timestamp := r.now()
	records := make([]types.ResultRecord, len(payloads))
	for i, p := range payloads {
		res := results[i]

		headers, err := CanonicalJSON(p.Headers)
		if err != nil {
			return nil, fmt.Errorf("failed to encode headers of payload %d: %w", i, err)
		}
		respHeaders, err := CanonicalJSON(res.ResponseHeaders)
		if err != nil {
			return nil, fmt.Errorf("failed to encode response headers of payload %d: %w", i, err)
		}

		records[i] = types.ResultRecord{
			Method:             p.Method,
			URL:                Sanitize(p.URL),
			Headers:            headers,
			Data:               Sanitize(p.Data),
			SourceDataset:      p.SourceDataset,
			SourceTestCase:     p.SourceTestCase,
			ResponseStatusCode: res.StatusCode,
			ResponseHeaders:    respHeaders,
			IsBlocked:          res.Blocked,
			MachineName:        r.hostname,
			DestinationURL:     endpoint.BaseURL,
			WAFName:            wafName,
			DateTime:           timestamp,
			TestName:           testName,
			Dataset:            datasetName,
		}
	}
	return records, nil
}

// Sanitize replaces NUL with U+FFFD; Postgres text columns reject NUL.
func Sanitize(s string) string {
	return strings.ReplaceAll(s, "\x00", "\uFFFD")
}

// CanonicalJSON encodes a header map compactly with sorted keys and without
// HTML escaping. A nil map encodes as {}.
func CanonicalJSON(headers map[string]string) (string, error) {
	if headers == nil {
		return "{}", nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(headers); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}
