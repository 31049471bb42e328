//go:build onnx

package main

import (
	"fmt"

	"github.com/becomeliminal/cortex/config"
	"github.com/becomeliminal/cortex/vector"
	"github.com/becomeliminal/cortex/vector/embedder/hash"
	"github.com/becomeliminal/cortex/vector/embedder/onnx"
)

func buildEmbedder(cfg config.EmbedderConfig) (vector.Embedder, error) {
	switch cfg.Kind {
	case "", "hash":
		return hash.New(cfg.Dimensions), nil
	case "onnx":
		return onnx.New(onnx.Config{
			LibraryPath:   cfg.ONNX.LibraryPath,
			ModelPath:     cfg.ONNX.ModelPath,
			TokenizerPath: cfg.ONNX.TokenizerPath,
			Dimensions:    cfg.ONNX.Dimensions,
		})
	default:
		return nil, fmt.Errorf("unknown embedder kind %q", cfg.Kind)
	}
}
