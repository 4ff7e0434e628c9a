package recorder

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/CodeMonkeyCybersecurity/wafcompare/internal/core"
	"github.com/CodeMonkeyCybersecurity/wafcompare/internal/registry"
	"github.com/CodeMonkeyCybersecurity/wafcompare/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memorySink struct {
	records   []types.ResultRecord
	appendErr error
}

func (m *memorySink) DropResults(ctx context.Context) error        { return nil }
func (m *memorySink) Ping(ctx context.Context) error               { return nil }
func (m *memorySink) EnsureResultsTable(ctx context.Context) error { return nil }
func (m *memorySink) Close() error                                 { return nil }

func (m *memorySink) AppendRecords(ctx context.Context, records []types.ResultRecord) error {
	if m.appendErr != nil {
		return m.appendErr
	}
	m.records = append(m.records, records...)
	return nil
}

func (m *memorySink) Summarize(ctx context.Context) ([]types.OutcomeCount, error) {
	return nil, nil
}

var _ core.ResultSink = (*memorySink)(nil)

var fixedTime = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func newTestRecorder(t *testing.T, sink core.ResultSink) *Recorder {
	t.Helper()
	reg, err := registry.FromMap(map[string]string{"demo": "http://w.test"})
	require.NoError(t, err)
	return New(sink, reg, WithHostname("runner-1"), WithClock(func() time.Time { return fixedTime }))
}

func TestRecord_ScenarioC_FailedDispatch(t *testing.T) {
	sink := &memorySink{}
	r := newTestRecorder(t, sink)

	payloads := []types.Payload{{Method: "GET", URL: "/a", Headers: map[string]string{}, Data: ""}}
	results := []types.DispatchResult{types.FailedResult()}

	records, err := r.Record(context.Background(), payloads, types.Endpoint{Name: "demo", BaseURL: "http://w.test"}, results, "xss", "Malicious")
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Len(t, sink.records, 1)

	rec := sink.records[0]
	assert.Equal(t, 0, rec.ResponseStatusCode)
	assert.False(t, rec.IsBlocked)
	assert.Equal(t, "{}", rec.ResponseHeaders)
	assert.Equal(t, "{}", rec.Headers)
	assert.Equal(t, "GET", rec.Method)
	assert.Equal(t, "/a", rec.URL)
	assert.Equal(t, "demo", rec.WAFName)
	assert.Equal(t, "http://w.test", rec.DestinationURL)
	assert.Equal(t, "runner-1", rec.MachineName)
	assert.Equal(t, fixedTime, rec.DateTime)
	assert.Equal(t, "xss", rec.TestName)
	assert.Equal(t, "Malicious", rec.Dataset)
}

func TestRecord_PreservesOrderAndMetadata(t *testing.T) {
	sink := &memorySink{}
	r := newTestRecorder(t, sink)

	payloads := []types.Payload{
		{Method: "GET", URL: "/1", SourceDataset: "nuclei", SourceTestCase: "sqli"},
		{Method: "POST", URL: "/2", Data: "p=1", Headers: map[string]string{"b": "2", "a": "1"}},
	}
	results := []types.DispatchResult{
		{StatusCode: 403, Blocked: true, ResponseHeaders: map[string]string{"Server": "waf"}},
		{StatusCode: 200, ResponseHeaders: map[string]string{}},
	}

	_, err := r.Record(context.Background(), payloads, types.Endpoint{Name: "demo", BaseURL: "http://w.test"}, results, "t", "d")
	require.NoError(t, err)
	require.Len(t, sink.records, 2)

	assert.Equal(t, "/1", sink.records[0].URL)
	assert.True(t, sink.records[0].IsBlocked)
	assert.Equal(t, `{"Server":"waf"}`, sink.records[0].ResponseHeaders)
	assert.Equal(t, "nuclei", sink.records[0].SourceDataset)
	assert.Equal(t, "sqli", sink.records[0].SourceTestCase)

	assert.Equal(t, "/2", sink.records[1].URL)
	assert.Equal(t, 200, sink.records[1].ResponseStatusCode)
	assert.Equal(t, `{"a":"1","b":"2"}`, sink.records[1].Headers)
}

func TestRecord_SanitizesNUL(t *testing.T) {
	sink := &memorySink{}
	r := newTestRecorder(t, sink)

	payloads := []types.Payload{{Method: "POST", URL: "/a\x00b", Data: "x=\x00\x00"}}
	results := []types.DispatchResult{{StatusCode: 200}}

	_, err := r.Record(context.Background(), payloads, types.Endpoint{Name: "demo", BaseURL: "http://w.test"}, results, "t", "d")
	require.NoError(t, err)

	rec := sink.records[0]
	assert.Equal(t, "/a\uFFFDb", rec.URL)
	assert.Equal(t, "x=\uFFFD\uFFFD", rec.Data)
	assert.False(t, strings.ContainsRune(rec.URL+rec.Data+rec.Headers+rec.ResponseHeaders, 0))
}

func TestRecord_LengthMismatch(t *testing.T) {
	sink := &memorySink{}
	r := newTestRecorder(t, sink)

	_, err := r.Record(context.Background(), []types.Payload{{}, {}}, types.Endpoint{Name: "demo", BaseURL: "http://w.test"}, []types.DispatchResult{{}}, "t", "d")
	assert.Error(t, err)
	assert.Empty(t, sink.records)
}

func TestRecord_UnknownEndpoint(t *testing.T) {
	r := newTestRecorder(t, &memorySink{})

	_, err := r.Record(context.Background(), []types.Payload{{}}, types.Endpoint{Name: "x", BaseURL: "http://other.test"}, []types.DispatchResult{{}}, "t", "d")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestRecord_SinkError(t *testing.T) {
	sink := &memorySink{appendErr: errors.New("connection lost")}
	r := newTestRecorder(t, sink)

	_, err := r.Record(context.Background(), []types.Payload{{Method: "GET", URL: "/"}}, types.Endpoint{Name: "demo", BaseURL: "http://w.test"}, []types.DispatchResult{{StatusCode: 200}}, "t", "d")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection lost")
}

func TestRecord_EmptyBatch(t *testing.T) {
	sink := &memorySink{appendErr: errors.New("must not be called")}
	r := newTestRecorder(t, sink)

	records, err := r.Record(context.Background(), nil, types.Endpoint{Name: "demo", BaseURL: "http://w.test"}, nil, "t", "d")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestCanonicalJSON(t *testing.T) {
	got, err := CanonicalJSON(map[string]string{"Z": "<script>", "A": "1"})
	require.NoError(t, err)
	assert.Equal(t, `{"A":"1","Z":"<script>"}`, got)

	got, err = CanonicalJSON(nil)
	require.NoError(t, err)
	assert.Equal(t, "{}", got)
}
