package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRange_Satisfies(t *testing.T) {
	tests := []struct {
		rng     string
		version string
		want    bool
	}{
		{"^1.2.3", "1.2.3", true},
		{"^1.2.3", "1.9.0", true},
		{"^1.2.3", "2.0.0", false},
		{"^1.2.3", "1.2.2", false},
		{"~1.2.3", "1.2.9", true},
		{"~1.2.3", "1.3.0", false},
		{"1.x", "1.5.0", true},
		{"1.x", "2.0.0", false},
		{"*", "3.1.4", true},
		{"", "0.0.1", true},
		{"latest", "9.9.9", true},
		{">=1.0.0 <2.0.0", "1.5.0", true},
		{">=1.0.0 <2.0.0", "2.0.0", false},
		{"1.2.3 - 2.0.0", "2.0.0", true},
		{"1.2.3 - 2.0.0", "1.2.0", false},
		{"^1.0.0 || ^3.0.0", "3.2.0", true},
		{"^1.0.0 || ^3.0.0", "2.0.0", false},
		{"1.2.3", "1.2.3", true},
		{"1.2.3", "1.2.4", false},
		{"^1.0.0", "1.1.0-beta.1", false},
		{"^1.2.3-beta.2", "1.2.3-beta.3", true},
		{"^1.2.3-beta.2", "1.2.3-beta.1", false},
		{"^1.2.3-beta.2", "1.2.4-beta.1", false},
		{"^1.2.3-beta.2", "1.2.4", true},
		{">=1.0.0-rc.1", "1.0.0-rc.2", true},
		{">=1.0.0-rc.1", "1.5.0-rc.1", false},
		{"^1.0.0 || ^2.0.0-alpha.1", "2.0.0-alpha.3", true},
		{"^1.0.0-alpha.1 || ^2.0.0", "2.0.0-alpha.3", false},
	}

	for _, tt := range tests {
		t.Run(tt.rng+" "+tt.version, func(t *testing.T) {
			r, err := ParseRange(tt.rng)
			require.NoError(t, err)
			assert.Equal(t, tt.want, r.Satisfies(MustParse(tt.version)))
		})
	}
}

func TestParseRange_Unsupported(t *testing.T) {
	for _, s := range []string{"workspace:*", "npm:lodash@^4", "git+https://github.com/a/b.git", "file:../x", ">>1"} {
		_, err := ParseRange(s)
		assert.Error(t, err, s)
	}
}

func TestRange_FindBestMatch(t *testing.T) {
	versions := ParseAll([]string{"1.0.0", "1.4.2", "2.0.0", "1.9.9-rc.1"})

	best := MustParseRange("^1.0.0").FindBestMatch(versions)
	require.NotNil(t, best)
	assert.Equal(t, "1.4.2", best.String())

	assert.Nil(t, MustParseRange("^3.0.0").FindBestMatch(versions))
}

func TestRange_Candidates(t *testing.T) {
	versions := ParseAll([]string{"1.0.0", "1.1.0", "1.2.0", "2.0.0"})
	r := MustParseRange("^1.0.0")

	order := func(vs []*Version) []string {
		out := make([]string, len(vs))
		for i, v := range vs {
			out[i] = v.String()
		}
		return out
	}

	t.Run("newest first without a pin", func(t *testing.T) {
		assert.Equal(t, []string{"1.2.0", "1.1.0", "1.0.0"}, order(r.Candidates(versions, "")))
	})

	t.Run("pinned version first when still valid", func(t *testing.T) {
		assert.Equal(t, []string{"1.1.0", "1.2.0", "1.0.0"}, order(r.Candidates(versions, "1.1.0")))
	})

	t.Run("pin outside the range is ignored", func(t *testing.T) {
		assert.Equal(t, []string{"1.2.0", "1.1.0", "1.0.0"}, order(r.Candidates(versions, "2.0.0")))
	})
}
