// Package dataset discovers, loads and prepares the payload corpus. Each
// test case is one JSON file at <root>/<dataset>/<test>.json.
package dataset

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/CodeMonkeyCybersecurity/wafcompare/pkg/types"
)

// Discover returns every *.json file under root, sorted by path. The parent
// directory names the dataset and the file stem names the test.
func Discover(root string) ([]types.TestCase, error) {
	var cases []types.TestCase
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".json") {
			return nil
		}
		cases = append(cases, types.TestCase{
			Dataset: filepath.Base(filepath.Dir(path)),
			Name:    strings.TrimSuffix(d.Name(), filepath.Ext(d.Name())),
			Path:    path,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk dataset root %s: %w", root, err)
	}

	sort.Slice(cases, func(i, j int) bool { return cases[i].Path < cases[j].Path })
	return cases, nil
}

// Load reads a test case file. Payloads missing provenance inherit the test
// case's dataset and name.
func Load(tc types.TestCase) ([]types.Payload, error) {
	data, err := os.ReadFile(tc.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", tc.Path, err)
	}

	var payloads []types.Payload
	if err := json.Unmarshal(data, &payloads); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", tc.Path, err)
	}

	for i := range payloads {
		if payloads[i].SourceDataset == "" {
			payloads[i].SourceDataset = tc.Dataset
		}
		if payloads[i].SourceTestCase == "" {
			payloads[i].SourceTestCase = tc.Name
		}
	}
	return payloads, nil
}
