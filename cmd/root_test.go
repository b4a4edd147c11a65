package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRootCmdFlags ensures every documented flag is registered with its
// shorthand.
func TestRootCmdFlags(t *testing.T) {
	t.Parallel()

	cmd := newRootCmd()
	flags := cmd.Flags()

	shorthands := map[string]string{
		"cache":         "c",
		"entry":         "e",
		"websub-only":   "s",
		"recurse":       "r",
		"archive":       "a",
		"wayback":       "k",
		"verbose":       "v",
		"timeout":       "t",
		"max-time":      "m",
		"rel-whitelist": "w",
		"rel-blacklist": "b",
	}
	for name, short := range shorthands {
		flag := flags.Lookup(name)
		require.NotNil(t, flag, name)
		assert.Equal(t, short, flag.Shorthand, name)
	}
	for _, name := range []string{"user-agent", "max-connections", "max-per-host", "keepalive", "self-pings"} {
		assert.NotNil(t, flags.Lookup(name), name)
	}
}

// TestRootCmdRequiresInput rejects an invocation with nothing to do.
func TestRootCmdRequiresInput(t *testing.T) {
	t.Parallel()

	cmd := newRootCmd()
	cmd.SetArgs([]string{})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nothing to do")
}
