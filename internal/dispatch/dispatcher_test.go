package dispatch

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/CodeMonkeyCybersecurity/wafcompare/internal/config"
	"github.com/CodeMonkeyCybersecurity/wafcompare/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleeper) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return nil
}

func newTestDispatcher(t *testing.T, opts ...Option) *Dispatcher {
	t.Helper()
	return New(config.DefaultConfig().Dispatch, opts...)
}

func okResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Server": []string{"fake"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func TestDispatch_Classification(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		wantBlocked bool
	}{
		{name: "403 is blocked", status: http.StatusForbidden, body: "forbidden", wantBlocked: true},
		{name: "block page is blocked", status: http.StatusOK, body: "<html>The requested URL was rejected. Please consult with your administrator.<br>Support ID</html>", wantBlocked: true},
		{name: "200 passes", status: http.StatusOK, body: "hello", wantBlocked: false},
		{name: "406 without page passes", status: http.StatusNotAcceptable, body: "nope", wantBlocked: false},
		{name: "500 passes", status: http.StatusInternalServerError, body: "", wantBlocked: false},
		{name: "partial marker passes", status: http.StatusOK, body: "The requested URL was rejected.", wantBlocked: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("X-Waf", "test")
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			}))
			defer server.Close()

			d := newTestDispatcher(t)
			result := d.Dispatch(context.Background(), types.Request{Method: "GET", URL: server.URL + "/a"})

			assert.Equal(t, tt.status, result.StatusCode)
			assert.Equal(t, tt.wantBlocked, result.Blocked)
			assert.Equal(t, "test", result.ResponseHeaders["X-Waf"])
		})
	}
}

func TestDispatch_StripsHostHeader(t *testing.T) {
	var gotHost string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHost = r.Host
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	headers := map[string]string{"Host": "evil.example", "X-Test": "1"}
	d := newTestDispatcher(t)
	result := d.Dispatch(context.Background(), types.Request{Method: "GET", URL: server.URL, Headers: headers})

	require.Equal(t, http.StatusOK, result.StatusCode)
	assert.Equal(t, strings.TrimPrefix(server.URL, "http://"), gotHost)
	assert.Equal(t, "evil.example", headers["Host"], "caller's map must not be mutated")
}

func TestDispatch_SendsMethodHeadersAndBody(t *testing.T) {
	var gotMethod, gotBody, gotUA, gotCT string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotUA = r.Header.Get("User-Agent")
		gotCT = r.Header.Get("Content-Type")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	d := newTestDispatcher(t)
	result := d.Dispatch(context.Background(), types.Request{
		Method: "POST",
		URL:    server.URL + "/",
		Headers: map[string]string{
			"User-Agent":   config.DefaultUserAgent,
			"Content-Type": "application/x-www-form-urlencoded",
		},
		Body: "p=%3Cscript%3E",
	})

	assert.Equal(t, http.StatusCreated, result.StatusCode)
	assert.Equal(t, "POST", gotMethod)
	assert.Equal(t, "p=%3Cscript%3E", gotBody)
	assert.Equal(t, config.DefaultUserAgent, gotUA)
	assert.Equal(t, "application/x-www-form-urlencoded", gotCT)
}

func TestDispatch_AllAttemptsFail_ReturnsSentinel(t *testing.T) {
	var calls int32
	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.New("connection reset by peer")
	})}
	s := &recordingSleeper{}

	d := newTestDispatcher(t, WithClient(client))
	d.sleeper = s

	result := d.Dispatch(context.Background(), types.Request{Method: "GET", URL: "http://w.test/a"})

	assert.Equal(t, types.FailedResult(), result)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, s.delays)
}

func TestDispatch_RecoversBeforeBudget(t *testing.T) {
	var calls int32
	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return nil, errors.New("dial tcp: connection refused")
		}
		return okResponse(http.StatusForbidden, ""), nil
	})}
	s := &recordingSleeper{}

	d := newTestDispatcher(t, WithClient(client))
	d.sleeper = s

	result := d.Dispatch(context.Background(), types.Request{Method: "GET", URL: "http://w.test/a"})

	assert.Equal(t, http.StatusForbidden, result.StatusCode)
	assert.True(t, result.Blocked)
	assert.False(t, result.Failed())
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, s.delays)
}

func TestDispatch_FirstAttemptSucceeds_NoBackoff(t *testing.T) {
	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return okResponse(http.StatusOK, "fine"), nil
	})}
	s := &recordingSleeper{}

	d := newTestDispatcher(t, WithClient(client))
	d.sleeper = s

	result := d.Dispatch(context.Background(), types.Request{Method: "GET", URL: "http://w.test/"})
	assert.Equal(t, http.StatusOK, result.StatusCode)
	assert.Empty(t, s.delays)
}

func TestDispatch_ConnectionRefused_RealBackoff(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	d := newTestDispatcher(t)

	start := time.Now()
	result := d.Dispatch(context.Background(), types.Request{Method: "GET", URL: "http://" + addr + "/a"})
	elapsed := time.Since(start)

	assert.Equal(t, 0, result.StatusCode)
	assert.False(t, result.Blocked)
	assert.Empty(t, result.ResponseHeaders)
	assert.GreaterOrEqual(t, elapsed, 300*time.Millisecond)
}

func TestDispatch_TimeoutPerAttempt(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer server.Close()

	d := newTestDispatcher(t)
	d.sleeper = &recordingSleeper{}

	result := d.Dispatch(context.Background(), types.Request{
		Method:  "GET",
		URL:     server.URL,
		Timeout: 50 * time.Millisecond,
	})

	assert.True(t, result.Failed())
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
}

func TestDispatch_UnbuildableRequest_FailsWithoutRetry(t *testing.T) {
	var calls int32
	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		atomic.AddInt32(&calls, 1)
		return okResponse(http.StatusOK, ""), nil
	})}
	s := &recordingSleeper{}

	d := newTestDispatcher(t, WithClient(client))
	d.sleeper = s

	for _, req := range []types.Request{
		{Method: "GET", URL: "http://[::1/a"},
		{Method: "BAD METHOD", URL: "http://w.test/a"},
	} {
		result := d.Dispatch(context.Background(), req)
		assert.Equal(t, types.FailedResult(), result, req.URL)
	}
	assert.Zero(t, atomic.LoadInt32(&calls))
	assert.Empty(t, s.delays)
}

func TestDispatch_RequotesPayloadURLs(t *testing.T) {
	tests := []struct {
		path    string
		wantURI string
	}{
		{path: "/%zz", wantURI: "/%25zz"},
		{path: "/a%", wantURI: "/a%25"},
		{path: "/?q=a b", wantURI: "/?q=a%20b"},
		{path: "/a b", wantURI: "/a%20b"},
		{path: "/?p=%3Cscript%3E", wantURI: "/?p=%3Cscript%3E"},
		{path: "/<script>alert(1)</script>", wantURI: "/%3Cscript%3Ealert(1)%3C/script%3E"},
	}

	var mu sync.Mutex
	var gotURI string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotURI = r.RequestURI
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := newTestDispatcher(t)
	s := &recordingSleeper{}
	d.sleeper = s

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			result := d.Dispatch(context.Background(), types.Request{Method: "GET", URL: server.URL + tt.path})

			require.Equal(t, http.StatusOK, result.StatusCode)
			mu.Lock()
			defer mu.Unlock()
			assert.Equal(t, tt.wantURI, gotURI)
		})
	}
	assert.Empty(t, s.delays)
}

func TestRequoteURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"http://w.test/a", "http://w.test/a"},
		{"http://w.test/%zz", "http://w.test/%25zz"},
		{"http://w.test/a%", "http://w.test/a%25"},
		{"http://w.test/a%4", "http://w.test/a%254"},
		{"http://w.test/%41%2f", "http://w.test/%41%2f"},
		{"http://w.test/?q=a b&r=\"x\"", "http://w.test/?q=a%20b&r=%22x%22"},
		{"http://w.test/\x00", "http://w.test/%00"},
		{"http://w.test/é", "http://w.test/%C3%A9"},
		{"http://[::1]:8080/a;b=c@d", "http://[::1]:8080/a;b=c@d"},
	}
	for _, tt := range tests {
		got := RequoteURL(tt.in)
		assert.Equal(t, tt.want, got, tt.in)
		assert.Equal(t, got, RequoteURL(got), "requoting is idempotent for %q", tt.in)
	}
}

func TestDispatch_BlockPageAfterLargeBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, strings.Repeat("a", 6<<20))
		io.WriteString(w, config.DefaultBlockPageMarker)
	}))
	defer server.Close()

	d := newTestDispatcher(t)
	result := d.Dispatch(context.Background(), types.Request{
		Method:  "GET",
		URL:     server.URL + "/",
		Timeout: 5 * time.Second,
	})

	assert.Equal(t, http.StatusOK, result.StatusCode)
	assert.True(t, result.Blocked)
}

func TestContainsMarker_AcrossReads(t *testing.T) {
	marker := []byte("block-page")
	for _, chunk := range []int{1, 3, 7, 64} {
		r := &chunkedReader{data: []byte("xxxxblock-pageyy"), size: chunk}
		found, err := containsMarker(r, marker)
		require.NoError(t, err)
		assert.True(t, found, "chunk %d", chunk)
	}

	found, err := containsMarker(strings.NewReader("block-pag"), marker)
	require.NoError(t, err)
	assert.False(t, found)

	found, err = containsMarker(strings.NewReader("anything"), nil)
	require.NoError(t, err)
	assert.False(t, found)
}

// chunkedReader returns at most size bytes per Read.
type chunkedReader struct {
	data []byte
	size int
}

func (r *chunkedReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	n := r.size
	if n > len(p) {
		n = len(p)
	}
	if n > len(r.data) {
		n = len(r.data)
	}
	copy(p, r.data[:n])
	r.data = r.data[n:]
	return n, nil
}

func TestIsBlocked(t *testing.T) {
	marker := []byte(config.DefaultBlockPageMarker)

	assert.True(t, IsBlocked(403, nil, marker))
	assert.True(t, IsBlocked(200, []byte("xx"+config.DefaultBlockPageMarker+"yy"), marker))
	assert.False(t, IsBlocked(200, []byte("ok"), marker))
	assert.False(t, IsBlocked(0, nil, marker))
}

func TestWithoutHost(t *testing.T) {
	out := withoutHost(map[string]string{"host": "a", "HOST": "b", "Accept": "*/*"})
	assert.Equal(t, map[string]string{"Accept": "*/*"}, out)
	assert.Empty(t, withoutHost(nil))
}

func TestFlattenHeaders(t *testing.T) {
	h := http.Header{}
	h.Add("Set-Cookie", "a=1")
	h.Add("Set-Cookie", "b=2")
	h.Set("Content-Type", "text/html")

	assert.Equal(t, map[string]string{
		"Set-Cookie":   "a=1, b=2",
		"Content-Type": "text/html",
	}, flattenHeaders(h))
}
