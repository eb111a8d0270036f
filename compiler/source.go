package compiler

import (
	"fmt"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/gocty"

	"github.com/sbl8/planrt/core"
)

// sourceFile is the top-level structure of a program source file.
type sourceFile struct {
	Methods []*methodBlock `hcl:"method,block"`
}

type methodBlock struct {
	Name    string         `hcl:"name,label"`
	Inputs  []*inputBlock  `hcl:"input,block"`
	Tensors []*tensorBlock `hcl:"tensor,block"`
	Scalars []*scalarBlock `hcl:"scalar,block"`
	Ops     []*opBlock     `hcl:"op,block"`
	Outputs []string       `hcl:"outputs"`
}

// inputBlock declares a method input. A dtype of int, double or bool makes
// it a scalar input.
type inputBlock struct {
	Name    string  `hcl:"name,label"`
	DType   string  `hcl:"dtype"`
	Shape   []int64 `hcl:"shape,optional"`
	Dynamic bool    `hcl:"dynamic,optional"`
}

// tensorBlock declares an intermediate tensor, or a constant when data or
// data_file is set.
type tensorBlock struct {
	Name     string    `hcl:"name,label"`
	DType    string    `hcl:"dtype"`
	Shape    []int64   `hcl:"shape,optional"`
	Dynamic  bool      `hcl:"dynamic,optional"`
	Data     []float64 `hcl:"data,optional"`
	DataFile string    `hcl:"data_file,optional"`
}

// scalarBlock declares a constant scalar operand.
type scalarBlock struct {
	Name  string    `hcl:"name,label"`
	Type  string    `hcl:"type,optional"`
	Value cty.Value `hcl:"value"`
}

// opBlock is one instruction: a kernel call, or a delegate call when it
// holds a delegate block.
type opBlock struct {
	Name     string         `hcl:"name,label"`
	Kernel   string         `hcl:"kernel,optional"`
	Inputs   []string       `hcl:"inputs,optional"`
	Outputs  []string       `hcl:"outputs,optional"`
	Delegate *delegateBlock `hcl:"delegate,block"`
}

type delegateBlock struct {
	Backend     string            `hcl:"backend,label"`
	Program     string            `hcl:"program,optional"`
	PayloadFile string            `hcl:"payload_file,optional"`
	Specs       map[string]string `hcl:"specs,optional"`
}

func parseSource(filename string, src []byte) (*sourceFile, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("%w: failed to parse %s: %w", core.ErrInvalidArgument, filename, diags)
	}
	var root sourceFile
	if diags := gohcl.DecodeBody(file.Body, nil, &root); diags.HasErrors() {
		return nil, fmt.Errorf("%w: failed to decode %s: %w", core.ErrInvalidArgument, filename, diags)
	}
	if len(root.Methods) == 0 {
		return nil, invalid("%s declares no methods", filename)
	}
	return &root, nil
}

// scalarKinds maps input dtypes that declare scalars to their tags.
var scalarKinds = map[string]core.Tag{
	"int":    core.TagInt,
	"double": core.TagDouble,
	"bool":   core.TagBool,
}

// scalar is a decoded scalar block.
type scalar struct {
	tag core.Tag
	i   int64
	d   float64
	b   bool
}

func decodeScalar(s *scalarBlock) (scalar, error) {
	v := s.Value
	if v.IsNull() || !v.IsKnown() {
		return scalar{}, invalid("scalar %q has no value", s.Name)
	}
	switch {
	case v.Type() == cty.Bool:
		var out scalar
		out.tag = core.TagBool
		if err := gocty.FromCtyValue(v, &out.b); err != nil {
			return scalar{}, invalid("scalar %q: %v", s.Name, err)
		}
		return out, nil
	case v.Type() == cty.Number:
		if s.Type != "double" && v.AsBigFloat().IsInt() {
			var out scalar
			out.tag = core.TagInt
			if err := gocty.FromCtyValue(v, &out.i); err != nil {
				return scalar{}, invalid("scalar %q: %v", s.Name, err)
			}
			return out, nil
		}
		if s.Type == "int" {
			return scalar{}, invalid("scalar %q: %s is not an integer", s.Name, v.AsBigFloat().String())
		}
		var out scalar
		out.tag = core.TagDouble
		if err := gocty.FromCtyValue(v, &out.d); err != nil {
			return scalar{}, invalid("scalar %q: %v", s.Name, err)
		}
		return out, nil
	default:
		return scalar{}, invalid("scalar %q has unsupported type %s", s.Name, v.Type().FriendlyName())
	}
}
