// Package onnx implements a delegate that runs its payload, an ONNX model,
// through ONNX Runtime. The backend is only compiled with the "ort" build
// tag and needs the onnxruntime shared library at run time.
//
// Compile specs:
//   - input_names: comma separated graph inputs, in argument order
//   - output_names: comma separated graph outputs, in argument order
//
// Float32 and Int64 tensors are supported. Outputs are copied into the
// host's pre-allocated slots, which must already have the produced dtype
// and shape.
package onnx

// Name is the name the backend registers under.
const Name = "OnnxRuntimeBackend"

// Compile spec keys.
const (
	SpecInputNames  = "input_names"
	SpecOutputNames = "output_names"
)
