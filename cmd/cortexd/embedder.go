//go:build !onnx

package main

import (
	"fmt"

	"github.com/becomeliminal/cortex/config"
	"github.com/becomeliminal/cortex/vector"
	"github.com/becomeliminal/cortex/vector/embedder/hash"
)

func buildEmbedder(cfg config.EmbedderConfig) (vector.Embedder, error) {
	switch cfg.Kind {
	case "", "hash":
		return hash.New(cfg.Dimensions), nil
	case "onnx":
		return nil, fmt.Errorf("onnx embedder requires building with -tags onnx")
	default:
		return nil, fmt.Errorf("unknown embedder kind %q", cfg.Kind)
	}
}
