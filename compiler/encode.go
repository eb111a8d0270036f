package compiler

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/sbl8/planrt/core"
)

// encodeElements packs source numbers into little-endian storage of dtype.
// Integer and bool dtypes reject values they cannot hold exactly.
func encodeElements(dtype core.DType, vals []float64) ([]byte, error) {
	out := make([]byte, 0, len(vals)*dtype.ElementSize())
	for i, v := range vals {
		switch dtype {
		case core.Float32:
			out = binary.LittleEndian.AppendUint32(out, math.Float32bits(float32(v)))
		case core.Float64:
			out = binary.LittleEndian.AppendUint64(out, math.Float64bits(v))
		case core.Int32:
			if v != math.Trunc(v) || v < math.MinInt32 || v > math.MaxInt32 {
				return nil, fmt.Errorf("element %d (%v) is not an int32", i, v)
			}
			out = binary.LittleEndian.AppendUint32(out, uint32(int32(v)))
		case core.Int64:
			if v != math.Trunc(v) || v < math.MinInt64 || v >= math.MaxInt64 {
				return nil, fmt.Errorf("element %d (%v) is not an int64", i, v)
			}
			out = binary.LittleEndian.AppendUint64(out, uint64(int64(v)))
		case core.Uint8:
			if v != math.Trunc(v) || v < 0 || v > math.MaxUint8 {
				return nil, fmt.Errorf("element %d (%v) is not a uint8", i, v)
			}
			out = append(out, uint8(v))
		case core.Bool:
			switch v {
			case 0:
				out = append(out, 0)
			case 1:
				out = append(out, 1)
			default:
				return nil, fmt.Errorf("element %d (%v) is not a bool", i, v)
			}
		default:
			return nil, fmt.Errorf("dtype %s cannot hold constant data", dtype)
		}
	}
	return out, nil
}
