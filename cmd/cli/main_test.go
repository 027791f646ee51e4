package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunWithoutArgsShowsUsage(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run(&out, nil))
	assert.Contains(t, out.String(), "Usage:")
}

func TestRunExecutesNotebook(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nb.hcl")
	require.NoError(t, os.WriteFile(path, []byte(`
cell "root" {
  x = 2
}

cell "leaf" {
  y = x + 3
}
`), 0o644))

	var out bytes.Buffer
	require.NoError(t, run(&out, []string{"--log-level", "error", path}))
	assert.Contains(t, out.String(), "x = 2")
	assert.Contains(t, out.String(), "y = 5")
}

func TestRunRejectsBadFlags(t *testing.T) {
	var out bytes.Buffer
	err := run(&out, []string{"--log-format", "xml", "nb.hcl"})
	assert.Error(t, err)
}
