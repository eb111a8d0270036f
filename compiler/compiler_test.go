package compiler

import (
	"context"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbl8/planrt/backend"
	"github.com/sbl8/planrt/backend/shard"
	"github.com/sbl8/planrt/core"
	"github.com/sbl8/planrt/model"
	"github.com/sbl8/planrt/runtime"
)

const biasRelu = `
method "forward" {
  input "x" {
    dtype = "float32"
    shape = [3]
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
  op "activate" {
    kernel  = "relu"
    inputs  = ["sum"]
    outputs = ["y"]
  }
  op "shift" {
    kernel  = "add"
    inputs  = ["x", "bias"]
    outputs = ["sum"]
  }
  outputs = ["y"]
}
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func parse(t *testing.T, data []byte) *model.Program {
	t.Helper()
	p, err := model.Parse(model.NewBufferLoader(data), model.VerifyChecksum)
	require.NoError(t, err)
	return p
}

func run(t *testing.T, data []byte, reg *backend.Registry, inputs ...core.Value) []float32 {
	t.Helper()
	opts := runtime.DefaultEngineOptions()
	opts.Backends = reg
	e, err := runtime.LoadBytes(data, &opts)
	require.NoError(t, err)
	defer e.Close()
	outs, err := e.Execute(context.Background(), "forward", inputs)
	require.NoError(t, err)
	tensor, err := outs[0].Tensor()
	require.NoError(t, err)
	vals, err := tensor.Float32s()
	require.NoError(t, err)
	return append([]float32(nil), vals...)
}

func vector(t *testing.T, vals ...float32) core.Value {
	t.Helper()
	tensor, err := core.NewTensorFromFloat32([]int64{int64(len(vals))}, vals)
	require.NoError(t, err)
	return core.TensorValue(tensor)
}

func TestBuildSourceOrdersAndPlans(t *testing.T) {
	t.Parallel()
	data, err := BuildSource(context.Background(), "bias.hcl", []byte(biasRelu), DefaultOptions())
	require.NoError(t, err)

	plan, err := parse(t, data).Table.Method("forward")
	require.NoError(t, err)

	var ops []string
	for _, ins := range plan.Instructions {
		ops = append(ops, ins.Op)
	}
	assert.Equal(t, []string{"add", "relu"}, ops, "producer runs first")
	require.Len(t, plan.PlannedBuffers, 1)

	// x, sum and y each take 12 bytes. x dies after add, so y reuses it.
	assert.EqualValues(t, 32, plan.PlannedBuffers[0])
	assert.Equal(t, model.LocConstant, plan.Values[1].Tensor.Location)
	for _, idx := range []int{0, 2, 3} {
		assert.Equal(t, model.LocPlanned, plan.Values[idx].Tensor.Location)
	}
	assert.Equal(t, plan.Values[0].Tensor.Offset, plan.Values[3].Tensor.Offset)

	assert.Equal(t, []float32{3, 4, 1}, run(t, data, nil, vector(t, 2, 9, 0)))
}

func TestBuildWithoutPlanning(t *testing.T) {
	t.Parallel()
	opts := DefaultOptions()
	opts.PlanMemory = false
	data, err := BuildSource(context.Background(), "bias.hcl", []byte(biasRelu), opts)
	require.NoError(t, err)

	plan, err := parse(t, data).Table.Method("forward")
	require.NoError(t, err)
	assert.Empty(t, plan.PlannedBuffers)
	assert.Equal(t, model.LocUnplanned, plan.Values[0].Tensor.Location)
	assert.Equal(t, []float32{0, 4, 1}, run(t, data, nil, vector(t, -2, 9, 0)))
}

func TestCompileWritesFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	src := writeFile(t, dir, "bias.hcl", biasRelu)
	out := filepath.Join(dir, "bias.plrt")
	require.NoError(t, Compile(context.Background(), src, out))

	e, err := runtime.Load(out, nil)
	require.NoError(t, err)
	defer e.Close()
	meta, err := e.MethodMeta("forward")
	require.NoError(t, err)
	assert.Equal(t, 1, meta.NumInputs())
	assert.Equal(t, 2, meta.NumInstructions())

	err = Compile(context.Background(), filepath.Join(dir, "missing.hcl"), out)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestScalarsAndDataFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	weights := make([]byte, 0, 8)
	for _, v := range []float32{2, 3} {
		weights = binary.LittleEndian.AppendUint32(weights, math.Float32bits(v))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "w.bin"), weights, 0o600))
	src := writeFile(t, dir, "scaled.hcl", `
method "forward" {
  input "x" {
    dtype = "float32"
    shape = [2]
  }
  input "step" {
    dtype = "int"
  }
  tensor "w" {
    dtype     = "float32"
    shape     = [2]
    data_file = "w.bin"
  }
  scalar "half" {
    value = 0.5
  }
  tensor "prod" {
    dtype = "float32"
    shape = [2]
  }
  tensor "y" {
    dtype = "float32"
    shape = [2]
  }
  op "weigh" {
    kernel  = "mul"
    inputs  = ["x", "w"]
    outputs = ["prod"]
  }
  op "halve" {
    kernel  = "scale"
    inputs  = ["prod", "half"]
    outputs = ["y"]
  }
  outputs = ["y"]
}
`)
	data, err := Build(context.Background(), src, DefaultOptions())
	require.NoError(t, err)

	plan, err := parse(t, data).Table.Method("forward")
	require.NoError(t, err)
	assert.Equal(t, core.TagInt, plan.Values[plan.Inputs[1]].Tag)
	half := plan.Values[5]
	assert.Equal(t, core.TagDouble, half.Tag)
	assert.InDelta(t, 0.5, half.Double, 1e-12)

	got := run(t, data, nil, vector(t, 4, 4), core.IntValue(7))
	assert.Equal(t, []float32{4, 6}, got)
}

func TestDecodeScalar(t *testing.T) {
	t.Parallel()
	src := `
method "forward" {
  scalar "n" {
    value = 3
  }
  scalar "d" {
    value = 3
    type  = "double"
  }
  scalar "flag" {
    value = true
  }
  outputs = []
}
`
	root, err := parseSource("s.hcl", []byte(src))
	require.NoError(t, err)
	var got []scalar
	for _, s := range root.Methods[0].Scalars {
		v, err := decodeScalar(s)
		require.NoError(t, err)
		got = append(got, v)
	}
	want := []scalar{
		{tag: core.TagInt, i: 3},
		{tag: core.TagDouble, d: 3},
		{tag: core.TagBool, b: true},
	}
	assert.Empty(t, cmp.Diff(want, got, cmp.AllowUnexported(scalar{})))
}

func TestNestedProgramDelegate(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeFile(t, dir, "inner.hcl", `
method "forward" {
  input "x" {
    dtype = "float32"
    shape = [3]
  }
  tensor "y" {
    dtype = "float32"
    shape = [3]
  }
  op "copy" {
    kernel  = "identity"
    inputs  = ["x"]
    outputs = ["y"]
  }
  outputs = ["y"]
}
`)
	src := writeFile(t, dir, "outer.hcl", `
method "forward" {
  input "x" {
    dtype = "float32"
    shape = [3]
  }
  tensor "mid" {
    dtype = "float32"
    shape = [3]
  }
  tensor "y" {
    dtype = "float32"
    shape = [3]
  }
  op "inner" {
    inputs  = ["x"]
    outputs = ["mid"]
    delegate "ShardedProgramBackend" {
      program = "inner.hcl"
      specs = {
        method = "forward"
      }
    }
  }
  op "activate" {
    kernel  = "relu"
    inputs  = ["mid"]
    outputs = ["y"]
  }
  outputs = ["y"]
}
`)
	data, err := Build(context.Background(), src, DefaultOptions())
	require.NoError(t, err)

	plan, err := parse(t, data).Table.Method("forward")
	require.NoError(t, err)
	require.Len(t, plan.Delegates, 1)
	assert.Equal(t, shard.Name, plan.Delegates[0].Backend)
	assert.Equal(t, []model.CompileSpec{{Key: "method", Value: []byte("forward")}}, plan.Delegates[0].CompileSpecs)

	reg := backend.NewRegistry()
	require.NoError(t, shard.Register(reg, shard.Options{}))
	assert.Equal(t, []float32{0, 0, 2}, run(t, data, reg, vector(t, -1, 0, 2)))
}

func TestSelfIncludingProgram(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	src := writeFile(t, dir, "loop.hcl", `
method "forward" {
  input "x" {
    dtype = "float32"
    shape = [1]
  }
  tensor "y" {
    dtype = "float32"
    shape = [1]
  }
  op "again" {
    inputs  = ["x"]
    outputs = ["y"]
    delegate "ShardedProgramBackend" {
      program = "loop.hcl"
    }
  }
  outputs = ["y"]
}
`)
	_, err := Build(context.Background(), src, DefaultOptions())
	assert.ErrorIs(t, err, core.ErrInvalidArgument)
	assert.ErrorContains(t, err, "includes itself")
}

func TestBuildSourceRejects(t *testing.T) {
	t.Parallel()
	const x = `
  input "x" {
    dtype = "float32"
    shape = [2]
  }
`
	tests := []struct {
		name string
		body string
		want string
	}{
		{"syntax", `method "forward" {`, "parse"},
		{"no methods", ``, "no methods"},
		{"unknown dtype", `input "x" {
    dtype = "complex"
  }
  outputs = []`, "unknown dtype"},
		{"duplicate value", x + x + `outputs = []`, "declared twice"},
		{"undeclared output", x + `outputs = ["nope"]`, "not declared"},
		{"kernel and delegate", x + `op "o" {
    inputs = ["x"]
  }
  outputs = []`, "exactly one of kernel or delegate"},
		{"undeclared operand", x + `op "o" {
    kernel  = "relu"
    inputs  = ["missing"]
    outputs = ["x"]
  }
  outputs = []`, "undeclared value"},
		{"write constant", x + `tensor "c" {
    dtype = "float32"
    shape = [2]
    data  = [1, 2]
  }
  op "o" {
    kernel  = "relu"
    inputs  = ["x"]
    outputs = ["c"]
  }
  outputs = []`, "read-only"},
		{"constant length", `tensor "c" {
    dtype = "float32"
    shape = [2]
    data  = [1, 2, 3]
  }
  outputs = []`, "has 3 elements"},
		{"int constant", `tensor "c" {
    dtype = "int64"
    shape = [1]
    data  = [1.5]
  }
  outputs = []`, "not an int64"},
		{"read before write", x + `tensor "t" {
    dtype = "float32"
    shape = [2]
  }
  op "o" {
    kernel  = "add"
    inputs  = ["x", "t"]
    outputs = ["x"]
  }
  outputs = []`, "no op writes"},
		{"two producers", x + `tensor "t" {
    dtype = "float32"
    shape = [2]
  }
  op "a" {
    kernel  = "relu"
    inputs  = ["x"]
    outputs = ["t"]
  }
  op "b" {
    kernel  = "tanh"
    inputs  = ["x"]
    outputs = ["t"]
  }
  outputs = ["t"]`, "written by nodes"},
		{"cycle", x + `tensor "a" {
    dtype = "float32"
    shape = [2]
  }
  tensor "b" {
    dtype = "float32"
    shape = [2]
  }
  op "one" {
    kernel  = "relu"
    inputs  = ["b"]
    outputs = ["a"]
  }
  op "two" {
    kernel  = "relu"
    inputs  = ["a"]
    outputs = ["b"]
  }
  outputs = ["b"]`, "cycle"},
		{"shaped scalar input", `input "n" {
    dtype = "int"
    shape = [1]
  }
  outputs = []`, "cannot have a shape"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			src := tt.body
			if tt.name != "syntax" && tt.name != "no methods" {
				src = "method \"forward\" {\n" + tt.body + "\n}\n"
			}
			_, err := BuildSource(context.Background(), "bad.hcl", []byte(src), DefaultOptions())
			require.Error(t, err)
			assert.ErrorIs(t, err, core.ErrInvalidArgument)
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestPlanBuffer(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		reqs  []interval
		want  map[int]placement
		total uint64
	}{
		{
			name:  "disjoint lifetimes share",
			reqs:  []interval{{value: 0, size: 8, first: 0, last: 1}, {value: 1, size: 8, first: 2, last: 3}},
			want:  map[int]placement{0: {0, 8}, 1: {0, 8}},
			total: 16,
		},
		{
			name:  "overlapping lifetimes stack",
			reqs:  []interval{{value: 0, size: 8, first: 0, last: 2}, {value: 1, size: 20, first: 1, last: 3}},
			want:  map[int]placement{1: {0, 20}, 0: {32, 8}},
			total: 48,
		},
		{
			name: "fills gap",
			reqs: []interval{
				{value: 0, size: 32, first: 0, last: 4},
				{value: 1, size: 16, first: 0, last: 1},
				{value: 2, size: 16, first: 2, last: 4},
			},
			want:  map[int]placement{0: {0, 32}, 1: {32, 16}, 2: {32, 16}},
			total: 48,
		},
		{
			name:  "empty",
			want:  map[int]placement{},
			total: 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, total := planBuffer(tt.reqs)
			assert.Empty(t, cmp.Diff(tt.want, got, cmp.AllowUnexported(placement{})))
			assert.Equal(t, tt.total, total)
		})
	}
}

func TestEncodeElements(t *testing.T) {
	t.Parallel()
	got, err := encodeElements(core.Int32, []float64{1, -1})
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 0, 0, 0, 0xff, 0xff, 0xff, 0xff}, got)

	got, err = encodeElements(core.Bool, []float64{0, 1})
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1}, got)

	_, err = encodeElements(core.Uint8, []float64{256})
	assert.Error(t, err)
	_, err = encodeElements(core.Bool, []float64{2})
	assert.Error(t, err)
}
