package kernels

import "math"

// Pure Go vector primitives. Callers check lengths.

// VectorAddInPlace performs in-place vector addition
func VectorAddInPlace(a, b []float32) {
	for i := range a {
		a[i] += b[i]
	}
}

// VectorMulInPlace performs in-place vector multiplication
func VectorMulInPlace(a, b []float32) {
	for i := range a {
		a[i] *= b[i]
	}
}

// VectorDot computes the dot product of a and b.
func VectorDot(a, b []float32) float32 {
	var sum float32
	i := 0
	for ; i+4 <= len(a); i += 4 {
		sum += a[i]*b[i] + a[i+1]*b[i+1] + a[i+2]*b[i+2] + a[i+3]*b[i+3]
	}
	for ; i < len(a); i++ {
		sum += a[i] * b[i]
	}
	return sum
}

// MatMulInto computes dst = a x b for row-major a (rows x inner) and
// b (inner x cols). dst must not alias a or b.
func MatMulInto(dst, a []float32, rows, inner int, b []float32, cols int) {
	clear(dst[:rows*cols])
	// i-k-j order walks b and dst row by row.
	for i := 0; i < rows; i++ {
		row := dst[i*cols : (i+1)*cols]
		for k := 0; k < inner; k++ {
			av := a[i*inner+k]
			if av == 0 {
				continue
			}
			bk := b[k*cols : (k+1)*cols]
			for j := range row {
				row[j] += av * bk[j]
			}
		}
	}
}

// SoftmaxInPlace replaces x with its numerically stable softmax.
func SoftmaxInPlace(x []float32) {
	if len(x) == 0 {
		return
	}
	maxVal := float32(math.Inf(-1))
	for _, v := range x {
		if v > maxVal {
			maxVal = v
		}
	}
	var sum float32
	for i, v := range x {
		e := float32(math.Exp(float64(v - maxVal)))
		x[i] = e
		sum += e
	}
	invSum := 1 / sum
	for i := range x {
		x[i] *= invSum
	}
}

// ArgMax returns the index of the largest element, the first on ties.
func ArgMax(x []float32) int {
	best := 0
	for i := 1; i < len(x); i++ {
		if x[i] > x[best] {
			best = i
		}
	}
	return best
}

func relu(x float32) float32 {
	if x < 0 {
		return 0
	}
	return x
}

func sigmoid(x float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(x))))
}

func tanh(x float32) float32 {
	return float32(math.Tanh(float64(x)))
}
