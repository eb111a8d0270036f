package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const source = `
method "forward" {
  input "x" {
    dtype = "float32"
    shape = [4]
  }
  tensor "y" {
    dtype = "float32"
    shape = [4]
  }
  op "activate" {
    kernel  = "relu"
    inputs  = ["x"]
    outputs = ["y"]
  }
  outputs = ["y"]
}
`

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestCompileAndInspect(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	src := filepath.Join(dir, "relu.hcl")
	require.NoError(t, os.WriteFile(src, []byte(source), 0o600))

	out, err := execute(t, "compile", src)
	require.NoError(t, err)
	assert.Contains(t, out, "relu.plrt")

	prog := filepath.Join(dir, "relu.plrt")
	for _, args := range [][]string{{"inspect", prog}, {"inspect", "--mmap", prog}} {
		out, err = execute(t, args...)
		require.NoError(t, err)
		assert.Contains(t, out, "method forward")
		assert.Contains(t, out, "float32[4] (16 bytes)")
		assert.Contains(t, out, "relu")
	}
}

func TestCompileErrors(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.hcl")
	require.NoError(t, os.WriteFile(bad, []byte(`method "forward" {`), 0o600))

	_, err := execute(t, "compile", bad)
	assert.Error(t, err)
	_, err = execute(t, "compile")
	assert.Error(t, err, "source argument is required")
	_, err = execute(t, "inspect", filepath.Join(dir, "missing.plrt"))
	assert.Error(t, err)
}
