package registry

import (
	"testing"

	"github.com/CodeMonkeyCybersecurity/wafcompare/internal/core"
	"github.com/CodeMonkeyCybersecurity/wafcompare/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RoundTrip(t *testing.T) {
	reg, err := FromMap(map[string]string{
		"demo":       "http://w.test",
		"cloudflare": "http://cf.test",
		"f5":         "http://f5.test:8080",
	})
	require.NoError(t, err)
	assert.Equal(t, 3, reg.Len())

	for _, ep := range reg.Endpoints() {
		name, err := reg.ResolveName(ep.BaseURL)
		require.NoError(t, err)
		url, err := reg.ResolveURL(name)
		require.NoError(t, err)
		assert.Equal(t, ep.BaseURL, url)

		url, err = reg.ResolveURL(ep.Name)
		require.NoError(t, err)
		name, err = reg.ResolveName(url)
		require.NoError(t, err)
		assert.Equal(t, ep.Name, name)
	}
}

func TestRegistry_NotFound(t *testing.T) {
	reg, err := FromMap(map[string]string{"demo": "http://w.test"})
	require.NoError(t, err)

	_, err = reg.ResolveURL("missing")
	assert.ErrorIs(t, err, core.ErrNotFound)

	_, err = reg.ResolveName("http://missing.test")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestRegistry_Duplicates(t *testing.T) {
	tests := []struct {
		name      string
		endpoints []types.Endpoint
	}{
		{
			name: "two names share a url",
			endpoints: []types.Endpoint{
				{Name: "a", BaseURL: "http://w.test"},
				{Name: "b", BaseURL: "http://w.test"},
			},
		},
		{
			name: "one name registered twice",
			endpoints: []types.Endpoint{
				{Name: "a", BaseURL: "http://one.test"},
				{Name: "a", BaseURL: "http://two.test"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg, err := New(tt.endpoints)
			assert.Nil(t, reg)
			assert.ErrorIs(t, err, core.ErrDuplicateEndpoint)
		})
	}
}

func TestRegistry_RejectsIncompleteEndpoint(t *testing.T) {
	_, err := New([]types.Endpoint{{Name: "", BaseURL: "http://w.test"}})
	assert.Error(t, err)

	_, err = New([]types.Endpoint{{Name: "demo", BaseURL: ""}})
	assert.ErrorIs(t, err, core.ErrInvalidEndpoint)
}

func TestRegistry_RejectsInvalidBaseURL(t *testing.T) {
	_, err := FromMap(map[string]string{"demo": "waf.test:8080"})
	assert.ErrorIs(t, err, core.ErrInvalidEndpoint)

	_, err = FromMap(map[string]string{"demo": "http://w.test/?x=1"})
	assert.ErrorIs(t, err, core.ErrInvalidEndpoint)
}

func TestRegistry_EndpointsSortedCopy(t *testing.T) {
	reg, err := New([]types.Endpoint{
		{Name: "zeta", BaseURL: "http://z.test"},
		{Name: "alpha", BaseURL: "http://a.test"},
	})
	require.NoError(t, err)

	eps := reg.Endpoints()
	require.Len(t, eps, 2)
	assert.Equal(t, "alpha", eps[0].Name)
	assert.Equal(t, "zeta", eps[1].Name)

	eps[0].Name = "mutated"
	assert.Equal(t, "alpha", reg.Endpoints()[0].Name)
}

func TestRegistry_Empty(t *testing.T) {
	reg, err := FromMap(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, reg.Len())
	assert.Empty(t, reg.Endpoints())
}
