package logger_test

import (
	"testing"

	"codeberg.org/mutker/enosed/internal/errors"
	"codeberg.org/mutker/enosed/internal/logger"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"INFO", zerolog.InfoLevel},
		{"", zerolog.InfoLevel},
		{"warning", zerolog.WarnLevel},
		{"warn", zerolog.WarnLevel},
		{" error ", zerolog.ErrorLevel},
	}

	for _, tt := range tests {
		got, err := logger.ParseLevel(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestParseLevelInvalid(t *testing.T) {
	lvl, err := logger.ParseLevel("chatty")
	require.Error(t, err)
	assert.Equal(t, zerolog.InfoLevel, lvl)
	assert.True(t, errors.HasCode(err, errors.ErrInvalidLogLevel))
}

func TestNopLoggerDoesNotPanic(t *testing.T) {
	log := logger.Nop().With("conn_id", "abc")
	log.Info().Str("k", "v").Msg("ignored")
	log.ErrorWithCode(errors.New().New(errors.ErrConnRead)).Send()
	log.ErrorWithContext(errors.New().New(errors.ErrConnWrite), "instrument", "write").Send()
}
