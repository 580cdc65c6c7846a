package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewBuildsAtEachValidLevel(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error"} {
		t.Run(level, func(t *testing.T) {
			log, err := New(level)
			require.NoError(t, err)
			require.NotNil(t, log)
		})
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New("verbose")
	require.Error(t, err)
}
