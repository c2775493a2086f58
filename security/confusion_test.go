package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckName(t *testing.T) {
	p := &Policy{ConfusionProtection: true}

	tests := []struct {
		name     string
		pkg      string
		warnings int
	}{
		{name: "popular", pkg: "react", warnings: 0},
		{name: "unrelated", pkg: "left-pad", warnings: 0},
		{name: "typosquat one edit", pkg: "lodahs", warnings: 1},
		{name: "typosquat two edits", pkg: "exprss", warnings: 1},
		{name: "confusion suffix", pkg: "billing-internal", warnings: 1},
		{name: "scoped suffix", pkg: "@acme/billing-internal", warnings: 0},
		{name: "short target needs exact distance one", pkg: "vuex", warnings: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Len(t, p.CheckName(tt.pkg), tt.warnings, "%v", p.CheckName(tt.pkg))
		})
	}

	p.ConfusionProtection = false
	assert.Empty(t, p.CheckName("billing-internal"))

	p.TrustedPackages = []string{"lodahs"}
	assert.Empty(t, p.CheckName("lodahs"))
}

func TestLevenshtein(t *testing.T) {
	assert.Equal(t, 0, levenshtein("react", "react"))
	assert.Equal(t, 1, levenshtein("react", "reat"))
	assert.Equal(t, 3, levenshtein("kitten", "sitting"))
}
