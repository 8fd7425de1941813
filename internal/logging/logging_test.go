package logging

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestNewFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	log := New("warn", &buf)
	assert.Equal(t, zerolog.WarnLevel, log.GetLevel())

	log.Info().Msg("hidden")
	log.Warn().Str("file", "branch2").Msg("shown")
	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
	assert.Contains(t, out, "file=branch2")
}

func TestNewDefaultsToInfo(t *testing.T) {
	for _, level := range []string{"", "loud"} {
		assert.Equal(t, zerolog.InfoLevel, New(level, &bytes.Buffer{}).GetLevel(), level)
	}
}
