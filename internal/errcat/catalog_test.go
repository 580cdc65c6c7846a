package errcat

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMessage(t *testing.T) {
	cases := []struct {
		name string
		code Code
		want string
	}{
		{"not defined", NotDefined, "Not defined, see error message"},
		{"file not found", FileNotFound, "File not found"},
		{"access violation", AccessViolation, "Access violation"},
		{"disk full", DiskFullOrAllocExceeded, "Disk full or allocation exceeded"},
		{"illegal operation", IllegalOperation, "Illegal TFTP operation"},
		{"unknown tid", UnknownTransferID, "Unknown transfer ID"},
		{"file exists", FileAlreadyExists, "File already exists"},
		{"no such user", NoSuchUser, "No such user"},
		{"unrecognized code falls back", Code(99), "Not defined, see error message"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			require.Equal(t, c.want, Message(c.code))
		})
	}
}

func TestWireMessage(t *testing.T) {
	t.Run("no extra", func(t *testing.T) {
		require.Equal(t, "File not found", WireMessage(FileNotFound, ""))
	})
	t.Run("with extra", func(t *testing.T) {
		require.Equal(t, "Not defined, see error message: the file is currently in use", WireMessage(NotDefined, "the file is currently in use"))
	})
	t.Run("truncates to fit the message field", func(t *testing.T) {
		got := WireMessage(NotDefined, strings.Repeat("x", 1000))
		require.LessOrEqual(t, len(got), 511)
		require.True(t, strings.HasPrefix(got, "Not defined, see error message: "))
	})
}
