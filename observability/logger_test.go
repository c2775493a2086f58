package observability

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_StructuredProperties(t *testing.T) {
	buf := &bytes.Buffer{}
	log := NewLogger(buf, InfoLevel)

	log.Info("Fetched {Package}@{Version}", "left-pad", "1.3.0")

	output := buf.String()
	assert.Contains(t, output, "left-pad")
	assert.Contains(t, output, "1.3.0")
}

func TestLogger_Levels(t *testing.T) {
	tests := []struct {
		name          string
		level         LogLevel
		logFunc       func(Logger)
		shouldContain bool
	}{
		{"info allows info", InfoLevel, func(l Logger) { l.Info("marker") }, true},
		{"info blocks debug", InfoLevel, func(l Logger) { l.Debug("marker") }, false},
		{"warn blocks info", WarnLevel, func(l Logger) { l.Info("marker") }, false},
		{"warn allows error", WarnLevel, func(l Logger) { l.Error("marker") }, true},
		{"verbose allows verbose", VerboseLevel, func(l Logger) { l.Verbose("marker") }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			tt.logFunc(NewLogger(buf, tt.level))
			assert.Equal(t, tt.shouldContain, strings.Contains(buf.String(), "marker"))
		})
	}
}

func TestLogger_ForContext(t *testing.T) {
	buf := &bytes.Buffer{}
	log := NewLogger(buf, InfoLevel).ForContext("Component", "store")

	log.InfoContext(context.Background(), "Stored {Digest}", "abc123")

	assert.Contains(t, buf.String(), "abc123")
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":   DebugLevel,
		"INFO":    InfoLevel,
		"":        InfoLevel,
		"warning": WarnLevel,
		"error":   ErrorLevel,
		"trace":   VerboseLevel,
	}
	for in, want := range tests {
		got, err := ParseLogLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLogLevel("loud")
	assert.Error(t, err)
}

func TestNullLogger(t *testing.T) {
	log := OrNull(nil)
	log.Error("dropped {Value}", 1)
	assert.Equal(t, log, log.ForContext("k", "v"))
}
