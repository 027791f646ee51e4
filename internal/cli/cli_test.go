package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNoArgsPrintsUsage(t *testing.T) {
	var out bytes.Buffer
	cfg, shouldExit, err := Parse(nil, &out)
	require.NoError(t, err)
	assert.True(t, shouldExit)
	assert.Nil(t, cfg)
	assert.Contains(t, out.String(), "Usage:")
}

func TestParsePositionalNotebookPath(t *testing.T) {
	var out bytes.Buffer
	cfg, shouldExit, err := Parse([]string{"notebook.hcl"}, &out)
	require.NoError(t, err)
	assert.False(t, shouldExit)
	assert.Equal(t, "notebook.hcl", cfg.NotebookPath)
	assert.Equal(t, 10, cfg.Workers)
	assert.Equal(t, "text", cfg.LogFormat)
}

func TestParseFlagPrecedence(t *testing.T) {
	var out bytes.Buffer
	cfg, _, err := Parse([]string{"--notebook", "a.hcl", "ignored.hcl"}, &out)
	require.NoError(t, err)
	assert.Equal(t, "a.hcl", cfg.NotebookPath)

	cfg, _, err = Parse([]string{"-n", "short.hcl"}, &out)
	require.NoError(t, err)
	assert.Equal(t, "short.hcl", cfg.NotebookPath)
}

func TestParseListenEvents(t *testing.T) {
	var out bytes.Buffer
	cfg, _, err := Parse([]string{
		"--listen-url", "http://localhost:3000/socket.io",
		"--listen-events", "slider, toggle ,",
		"nb.hcl",
	}, &out)
	require.NoError(t, err)
	assert.Equal(t, []string{"slider", "toggle"}, cfg.ListenEvents)
}

func TestParseValidation(t *testing.T) {
	t.Run("bad log format", func(t *testing.T) {
		var out bytes.Buffer
		_, _, err := Parse([]string{"--log-format", "xml", "nb.hcl"}, &out)
		var exitErr *ExitError
		require.ErrorAs(t, err, &exitErr)
		assert.Equal(t, 2, exitErr.Code)
	})

	t.Run("bad log level", func(t *testing.T) {
		var out bytes.Buffer
		_, _, err := Parse([]string{"--log-level", "loud", "nb.hcl"}, &out)
		var exitErr *ExitError
		require.ErrorAs(t, err, &exitErr)
		assert.Equal(t, 2, exitErr.Code)
	})

	t.Run("listen-url without events", func(t *testing.T) {
		var out bytes.Buffer
		_, _, err := Parse([]string{"--listen-url", "http://x", "nb.hcl"}, &out)
		var exitErr *ExitError
		require.ErrorAs(t, err, &exitErr)
		assert.Contains(t, exitErr.Message, "listen event")
	})
}
