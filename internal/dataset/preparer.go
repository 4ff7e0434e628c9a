package dataset

import (
	"archive/zip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/CodeMonkeyCybersecurity/wafcompare/internal/config"
	"github.com/CodeMonkeyCybersecurity/wafcompare/internal/httpclient"
	"github.com/CodeMonkeyCybersecurity/wafcompare/internal/logger"
	"github.com/CodeMonkeyCybersecurity/wafcompare/pkg/types"
)

const truePositivesFile = "true-positives.txt"

// downloadConcurrency bounds parallel requests to the payload repository.
const downloadConcurrency = 4

// contentEntry is the subset of a GitHub contents API entry that is used.
type contentEntry struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	URL         string `json:"url"`
	DownloadURL string `json:"download_url"`
}

// Manager is the on-disk dataset source: it prepares missing datasets and
// enumerates the test case files.
type Manager struct {
	cfg    config.DatasetsConfig
	client *http.Client
	logger *logger.Logger
}

type Option func(*Manager)

func WithClient(client *http.Client) Option {
	return func(m *Manager) { m.client = client }
}

func WithLogger(log *logger.Logger) Option {
	return func(m *Manager) { m.logger = log.WithComponent("dataset") }
}

func NewManager(cfg config.DatasetsConfig, opts ...Option) *Manager {
	m := &Manager{
		cfg:    cfg,
		logger: logger.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.client == nil {
		m.client = httpclient.NewDownloadClient(cfg.DownloadTimeout)
	}
	return m
}

func (m *Manager) MaliciousPath() string {
	return filepath.Join(m.cfg.Path, m.cfg.MaliciousDir)
}

func (m *Manager) LegitimatePath() string {
	return filepath.Join(m.cfg.Path, m.cfg.LegitimateDir)
}

func (m *Manager) Discover() ([]types.TestCase, error) {
	return Discover(m.cfg.Path)
}

func (m *Manager) Load(tc types.TestCase) ([]types.Payload, error) {
	return Load(tc)
}

// Ensure builds each dataset whose directory does not exist yet.
func (m *Manager) Ensure(ctx context.Context) error {
	start := time.Now()
	ctx, span := m.logger.StartOperation(ctx, "dataset.Ensure", "path", m.cfg.Path)
	var err error
	defer func() {
		m.logger.FinishOperation(ctx, span, "dataset.Ensure", start, err)
	}()

	if exists(m.MaliciousPath()) {
		m.logger.Debugw("Malicious data set already loaded", "path", m.MaliciousPath())
	} else {
		if err = m.PrepareMalicious(ctx); err != nil {
			return err
		}
		m.logger.Infow("Malicious data set preparation completed", "path", m.MaliciousPath())
	}

	if exists(m.LegitimatePath()) {
		m.logger.Debugw("Legitimate data set already loaded", "path", m.LegitimatePath())
	} else {
		if err = m.PrepareLegitimate(); err != nil {
			return err
		}
		m.logger.Infow("Legitimate data set preparation completed", "path", m.LegitimatePath())
	}

	return nil
}

// PrepareMalicious writes one test case per payload category found at the
// malicious source. Each line of a category's true-positives file becomes a
// GET query payload and a POST form payload.
func (m *Manager) PrepareMalicious(ctx context.Context) error {
	var categories []contentEntry
	if err := m.getJSON(ctx, m.cfg.MaliciousSource, &categories); err != nil {
		return fmt.Errorf("failed to list payload categories: %w", err)
	}

	if err := os.MkdirAll(m.MaliciousPath(), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", m.MaliciousPath(), err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(downloadConcurrency)
	for _, category := range categories {
		g.Go(func() error {
			return m.prepareCategory(gctx, category)
		})
	}
	if err := g.Wait(); err != nil {
		// Leave no partial directory behind so the next run retries.
		os.RemoveAll(m.MaliciousPath())
		return err
	}
	return nil
}

func (m *Manager) prepareCategory(ctx context.Context, category contentEntry) error {
	var files []contentEntry
	if err := m.getJSON(ctx, category.URL, &files); err != nil {
		return fmt.Errorf("failed to list category %s: %w", category.Name, err)
	}

	var downloadURL string
	for _, f := range files {
		if f.Name == truePositivesFile {
			downloadURL = f.DownloadURL
			break
		}
	}
	if downloadURL == "" {
		m.logger.Warnw("Category has no true positives file, skipping", "category", category.Name)
		return nil
	}

	body, err := m.get(ctx, downloadURL)
	if err != nil {
		return fmt.Errorf("failed to download %s true positives: %w", category.Name, err)
	}

	payloads := BuildPayloads(SplitLines(string(body)), m.userAgent())
	data, err := json.Marshal(payloads)
	if err != nil {
		return err
	}

	path := filepath.Join(m.MaliciousPath(), category.Name+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}

	m.logger.Debugw("Wrote malicious test case", "category", category.Name, "payloads", len(payloads))
	return nil
}

func (m *Manager) userAgent() string {
	if m.cfg.PayloadUserAgent != "" {
		return m.cfg.PayloadUserAgent
	}
	return config.DefaultUserAgent
}

// BuildPayloads turns raw attack strings into GET payloads followed by POST
// payloads, in line order.
func BuildPayloads(lines []string, userAgent string) []types.Payload {
	payloads := make([]types.Payload, 0, 2*len(lines))
	for _, line := range lines {
		payloads = append(payloads, types.Payload{
			Method: "GET",
			URL:    "/?p=" + QuoteParam(line),
			Headers: map[string]string{
				"User-Agent": userAgent,
				"Connection": "close",
			},
		})
	}
	for _, line := range lines {
		payloads = append(payloads, types.Payload{
			Method: "POST",
			URL:    "/",
			Headers: map[string]string{
				"User-Agent":   userAgent,
				"Content-Type": "application/x-www-form-urlencoded",
				"Connection":   "close",
			},
			Data: "p=" + QuoteParam(line),
		})
	}
	return payloads
}

// QuoteParam percent-encodes s leaving unreserved characters and '/' as is,
// then turns "%25" back into "%" so payloads that are already encoded keep
// their original escapes.
func QuoteParam(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) || c == '/' {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hex[c>>4])
		b.WriteByte(hex[c&0x0f])
	}
	return strings.ReplaceAll(b.String(), "%25", "%")
}

func isUnreserved(c byte) bool {
	return 'A' <= c && c <= 'Z' || 'a' <= c && c <= 'z' || '0' <= c && c <= '9' ||
		c == '-' || c == '.' || c == '_' || c == '~'
}

// SplitLines splits on \n, \r\n and \r and drops a trailing empty line.
func SplitLines(s string) []string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = strings.TrimSuffix(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

// PrepareLegitimate extracts the legitimate archive into the dataset root.
func (m *Manager) PrepareLegitimate() error {
	archive := m.cfg.LegitimateZip
	if !filepath.IsAbs(archive) {
		archive = filepath.Join(m.cfg.Path, archive)
	}
	return Unzip(archive, m.cfg.Path)
}

// Unzip extracts src into dest, refusing entries that would escape dest.
func Unzip(src, dest string) error {
	r, err := zip.OpenReader(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer r.Close()

	root, err := filepath.Abs(dest)
	if err != nil {
		return err
	}

	for _, f := range r.File {
		target := filepath.Join(root, f.Name)
		if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
			return fmt.Errorf("archive entry %q escapes %s", f.Name, dest)
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}

		if err := extractFile(f, target); err != nil {
			return fmt.Errorf("failed to extract %s: %w", f.Name, err)
		}
	}
	return nil
}

func extractFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func (m *Manager) getJSON(ctx context.Context, url string, v interface{}) error {
	body, err := m.get(ctx, url)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}

func (m *Manager) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpclient.CloseBody(resp)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: unexpected status %d", url, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
