package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbl8/planrt/compiler"
)

const biasSource = `
method "forward" {
  input "x" {
    dtype = "float32"
    shape = [3]
  }
  input "k" {
    dtype = "double"
  }
  tensor "bias" {
    dtype = "float32"
    shape = [3]
    data  = [1, -5, 1]
  }
  tensor "sum" {
    dtype = "float32"
    shape = [3]
  }
  tensor "y" {
    dtype = "float32"
    shape = [3]
  }
  op "shift" {
    kernel  = "add"
    inputs  = ["x", "bias"]
    outputs = ["sum"]
  }
  op "stretch" {
    kernel  = "scale"
    inputs  = ["sum", "k"]
    outputs = ["y"]
  }
  outputs = ["y"]
}
`

// decodeSource predicts token (t+1) mod 4 after token t: an identity
// embedding followed by a cyclic permutation.
const decodeSource = `
method "forward" {
  input "tokens" {
    dtype   = "int64"
    shape   = [1, 8]
    dynamic = true
  }
  input "pos" {
    dtype = "int64"
    shape = [1]
  }
  tensor "table" {
    dtype = "float32"
    shape = [4, 4]
    data  = [1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1]
  }
  tensor "perm" {
    dtype = "float32"
    shape = [4, 4]
    data  = [0, 1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1, 1, 0, 0, 0]
  }
  tensor "emb" {
    dtype   = "float32"
    shape   = [1, 8, 4]
    dynamic = true
  }
  tensor "logits" {
    dtype   = "float32"
    shape   = [1, 8, 4]
    dynamic = true
  }
  op "embed" {
    kernel  = "embedding"
    inputs  = ["table", "tokens"]
    outputs = ["emb"]
  }
  op "project" {
    kernel  = "matmul"
    inputs  = ["emb", "perm"]
    outputs = ["logits"]
  }
  outputs = ["logits"]
}
`

func program(t *testing.T, src string) string {
	t.Helper()
	dir := t.TempDir()
	data, err := compiler.BuildSource(context.Background(), filepath.Join(dir, "p.hcl"), []byte(src), compiler.DefaultOptions())
	require.NoError(t, err)
	path := filepath.Join(dir, "p.plrt")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), errOut.String(), err
}

func TestRun(t *testing.T) {
	t.Parallel()
	prog := program(t, biasSource)

	out, _, err := execute(t, "run", prog, "-i", "1,2,3", "-i", "2")
	require.NoError(t, err)
	assert.Equal(t, "output 0: float32[3] [4 -6 8]\n", out)

	out, _, err = execute(t, "run", "--mmap", prog, "-i", "3:0,0,0", "-i", "0.5")
	require.NoError(t, err)
	assert.Equal(t, "output 0: float32[3] [0.5 -2.5 0.5]\n", out)
}

func TestRunRejectsBadInputs(t *testing.T) {
	t.Parallel()
	prog := program(t, biasSource)
	tests := []struct {
		name string
		args []string
	}{
		{"missing input", []string{"-i", "1,2,3"}},
		{"bad scalar", []string{"-i", "1,2,3", "-i", "twice"}},
		{"bad element", []string{"-i", "1,x,3", "-i", "1"}},
		{"shape mismatch", []string{"-i", "2x2:1,2,3", "-i", "1"}},
		{"unknown method", []string{"-m", "backward", "-i", "1,2,3", "-i", "1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, _, err := execute(t, append([]string{"run", prog}, tt.args...)...)
			assert.Error(t, err)
		})
	}
}

func TestPrefillAndGenerate(t *testing.T) {
	t.Parallel()
	prog := program(t, decodeSource)

	out, _, err := execute(t, "prefill", prog, "-t", "0,1,2")
	require.NoError(t, err)
	assert.Equal(t, "3\n", out)

	out, errOut, err := execute(t, "generate", prog, "-t", "0,1,2", "-n", "3")
	require.NoError(t, err)
	assert.Equal(t, "3 0 1", strings.TrimSpace(out))
	assert.Contains(t, errOut, "generated 3 tokens")

	_, _, err = execute(t, "prefill", prog)
	assert.Error(t, err, "empty prompt")
}

func TestBench(t *testing.T) {
	t.Parallel()
	prog := program(t, biasSource)

	out, _, err := execute(t, "bench", prog, "--iter", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "Method forward: 5 iterations")
	assert.Contains(t, out, "6 executions")
	assert.Contains(t, out, "add:")

	_, _, err = execute(t, "bench", prog, "--iter", "0")
	assert.Error(t, err)
}

func TestConfigFlag(t *testing.T) {
	t.Parallel()
	prog := program(t, biasSource)
	cfg := filepath.Join(t.TempDir(), "planrt.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte("logging:\n  level: loud\n"), 0o600))

	_, _, err := execute(t, "--config", cfg, "run", prog, "-i", "1,2,3", "-i", "1")
	assert.Error(t, err)
}
