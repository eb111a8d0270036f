package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sbl8/planrt/core"
	"github.com/sbl8/planrt/runtime"
)

// parseInputs builds one value per method input from the command line.
func parseInputs(meta *runtime.MethodMeta, raw []string) ([]core.Value, error) {
	if len(raw) != meta.NumInputs() {
		return nil, fmt.Errorf("%w: method %q takes %d inputs, got %d",
			core.ErrInvalidArgument, meta.Name(), meta.NumInputs(), len(raw))
	}
	values := make([]core.Value, len(raw))
	for i, s := range raw {
		v, err := parseInput(meta, i, s)
		if err != nil {
			return nil, fmt.Errorf("input %d: %w", i, err)
		}
		values[i] = v
	}
	return values, nil
}

func parseInput(meta *runtime.MethodMeta, i int, s string) (core.Value, error) {
	tag, err := meta.InputTag(i)
	if err != nil {
		return core.Value{}, err
	}
	s = strings.TrimSpace(s)
	switch tag {
	case core.TagInt:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return core.Value{}, fmt.Errorf("%w: %v", core.ErrInvalidArgument, err)
		}
		return core.IntValue(n), nil
	case core.TagDouble:
		d, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return core.Value{}, fmt.Errorf("%w: %v", core.ErrInvalidArgument, err)
		}
		return core.DoubleValue(d), nil
	case core.TagBool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return core.Value{}, fmt.Errorf("%w: %v", core.ErrInvalidArgument, err)
		}
		return core.BoolValue(b), nil
	case core.TagTensor:
	default:
		return core.Value{}, fmt.Errorf("%w: cannot parse a %s input", core.ErrNotSupported, tag)
	}

	info, err := meta.InputTensorMeta(i)
	if err != nil {
		return core.Value{}, err
	}
	var shape []int64
	if prefix, rest, ok := strings.Cut(s, ":"); ok {
		if shape, err = parseShape(prefix); err != nil {
			return core.Value{}, err
		}
		s = rest
	}
	var fields []string
	if s != "" {
		fields = strings.Split(s, ",")
	}
	if shape == nil {
		shape = []int64{int64(len(fields))}
		if n, _ := core.Numel(info.Shape); n == int64(len(fields)) {
			shape = info.Shape
		}
	}
	if n, err := core.Numel(shape); err != nil || n != int64(len(fields)) {
		return core.Value{}, fmt.Errorf("%w: %d values do not fill shape %v", core.ErrInvalidArgument, len(fields), shape)
	}

	t, err := core.NewZeroTensor(info.DType, shape)
	if err != nil {
		return core.Value{}, err
	}
	if err := fill(t, fields); err != nil {
		return core.Value{}, err
	}
	return core.TensorValue(t), nil
}

func parseShape(s string) ([]int64, error) {
	if s == "" {
		return []int64{}, nil
	}
	parts := strings.Split(s, "x")
	shape := make([]int64, len(parts))
	for i, p := range parts {
		d, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil || d < 0 {
			return nil, fmt.Errorf("%w: bad shape %q", core.ErrInvalidArgument, s)
		}
		shape[i] = d
	}
	return shape, nil
}

func fill(t *core.Tensor, fields []string) error {
	for i, f := range fields {
		f = strings.TrimSpace(f)
		var err error
		switch t.DType() {
		case core.Float32:
			var v float64
			if v, err = strconv.ParseFloat(f, 32); err == nil {
				vals, _ := t.Float32s()
				vals[i] = float32(v)
			}
		case core.Float64:
			var v float64
			if v, err = strconv.ParseFloat(f, 64); err == nil {
				vals, _ := t.Float64s()
				vals[i] = v
			}
		case core.Int32:
			var v int64
			if v, err = strconv.ParseInt(f, 10, 32); err == nil {
				vals, _ := t.Int32s()
				vals[i] = int32(v)
			}
		case core.Int64:
			var v int64
			if v, err = strconv.ParseInt(f, 10, 64); err == nil {
				vals, _ := t.Int64s()
				vals[i] = v
			}
		case core.Uint8:
			var v uint64
			if v, err = strconv.ParseUint(f, 10, 8); err == nil {
				vals, _ := t.Uint8s()
				vals[i] = uint8(v)
			}
		case core.Bool:
			var v bool
			if v, err = strconv.ParseBool(f); err == nil {
				vals, _ := t.Uint8s()
				vals[i] = 0
				if v {
					vals[i] = 1
				}
			}
		}
		if err != nil {
			return fmt.Errorf("%w: element %d: %v", core.ErrInvalidArgument, i, err)
		}
	}
	return nil
}

// zeroInputs builds zero-filled inputs at each input's declared shape.
func zeroInputs(meta *runtime.MethodMeta) ([]core.Value, error) {
	values := make([]core.Value, meta.NumInputs())
	for i := range values {
		tag, err := meta.InputTag(i)
		if err != nil {
			return nil, err
		}
		switch tag {
		case core.TagInt:
			values[i] = core.IntValue(0)
		case core.TagDouble:
			values[i] = core.DoubleValue(0)
		case core.TagBool:
			values[i] = core.BoolValue(false)
		case core.TagTensor:
			info, err := meta.InputTensorMeta(i)
			if err != nil {
				return nil, err
			}
			t, err := core.NewZeroTensor(info.DType, info.Shape)
			if err != nil {
				return nil, err
			}
			values[i] = core.TensorValue(t)
		default:
			return nil, fmt.Errorf("%w: input %d is %s", core.ErrNotSupported, i, tag)
		}
	}
	return values, nil
}
