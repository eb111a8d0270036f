// Package planrt executes ahead-of-time compiled programs against memory the
// caller plans and owns.
//
// A program is a set of named methods. Each method is a flat list of
// instructions over value slots: kernel calls into a registry of operators,
// or delegate calls handed to a backend that initialized the node from an
// opaque payload. Tensor storage is decided at compile time: planned tensors
// live at offsets inside caller-provided buffers, constants alias the program
// file, and the rest come from a per-method arena.
//
// # Architecture Overview
//
//   - Memory: bump arenas, planned buffers and a MemoryManager grouping them
//   - Program format: header, msgpack table and 64-byte aligned segments,
//     read through a DataLoader (buffer, file or mmap)
//   - Delegates: a backend registry and lifecycle, a nested-program backend
//     and an ONNX Runtime backend
//   - Runtime: program and method loading, input binding, execution
//   - LLM: prompt prefill, decode loops and sampling over a decoder method
//   - Compiler: HCL sources to programs, with lifetime-based memory planning
//
// # Basic Usage
//
//	// Compile a program source
//	planc compile model.hcl -o model.plrt
//
//	// Load and execute
//	engine, err := runtime.Load("model.plrt", nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Close()
//
//	x, _ := core.NewTensorFromFloat32([]int64{4}, []float32{1.0, 0.5, 0.75, 1.0})
//	outputs, err := engine.Execute(ctx, "forward", []core.Value{core.TensorValue(x)})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// # Package Structure
//
//   - core: arenas, planned memory, tensors, values and errors
//   - model: program format, loaders, builder and instruction graph
//   - kernels: operator registry and vector math
//   - backend: delegate protocol; backend/shard and backend/onnx implement it
//   - runtime: Program, MethodMeta, Method and Engine
//   - llm: TextPrefiller, TokenGenerator, MethodDecoder and Sampler
//   - compiler: HCL compilation and memory planning
//   - config: YAML configuration shared by the CLIs
//   - cmd: command-line tools (planc, planrun)
package planrt
