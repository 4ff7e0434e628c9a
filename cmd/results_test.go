package cmd

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeMonkeyCybersecurity/wafcompare/internal/config"
	"github.com/CodeMonkeyCybersecurity/wafcompare/pkg/types"
)

func summaryFixture() []types.OutcomeCount {
	return []types.OutcomeCount{
		{WAFName: "appsec", Dataset: "Malicious", Total: 10, Blocked: 9, NotBlocked: 1},
		{WAFName: "appsec", Dataset: "Legitimate", Total: 4, Blocked: 1, NotBlocked: 2, Failed: 1},
	}
}

func withTestConfig(t *testing.T) {
	t.Helper()
	prevCfg, prevNoColor := cfg, color.NoColor
	cfg = config.DefaultConfig()
	color.NoColor = true
	t.Cleanup(func() {
		cfg = prevCfg
		color.NoColor = prevNoColor
	})
}

func TestWriteSummary_JSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeSummary(&buf, "json", summaryFixture()))

	var decoded []types.OutcomeCount
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, summaryFixture(), decoded)
}

func TestWriteSummary_CSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeSummary(&buf, "csv", summaryFixture()))

	assert.Equal(t,
		"waf_name,dataset,total,blocked,not_blocked,failed,block_rate\n"+
			"appsec,Malicious,10,9,1,0,0.9000\n"+
			"appsec,Legitimate,4,1,2,1,0.3333\n",
		buf.String())
}

func TestWriteSummary_Table(t *testing.T) {
	withTestConfig(t)

	var buf bytes.Buffer
	require.NoError(t, writeSummary(&buf, "table", summaryFixture()))

	out := buf.String()
	assert.Contains(t, out, "BLOCK RATE")
	assert.Contains(t, out, "90.0%")
	assert.Contains(t, out, "33.3%")
}

func TestWriteSummary_Empty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeSummary(&buf, "table", nil))
	assert.Equal(t, "No results recorded\n", buf.String())
}

func TestWriteSummary_UnknownFormat(t *testing.T) {
	assert.Error(t, writeSummary(&bytes.Buffer{}, "xml", nil))
}

func TestColorRate(t *testing.T) {
	withTestConfig(t)

	assert.Equal(t, "n/a", colorRate(types.OutcomeCount{Dataset: "Malicious", Failed: 3}))
	assert.Equal(t, "100.0%", colorRate(types.OutcomeCount{Dataset: "Malicious", Blocked: 2}))
	assert.True(t, isLegitimate("Legitimate"))
	assert.False(t, isLegitimate("Malicious"))
}
