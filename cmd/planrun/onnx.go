//go:build ort

package main

import (
	"github.com/sbl8/planrt/backend"
	"github.com/sbl8/planrt/backend/onnx"
	"github.com/sbl8/planrt/config"
)

func init() {
	backendHooks = append(backendHooks, func(reg *backend.Registry, cfg *config.Config) error {
		return onnx.Register(reg, onnx.Options{
			LibraryPath:    cfg.ONNX.LibraryPath,
			IntraOpThreads: cfg.ONNX.IntraOpThreads,
		})
	})
}
