//go:build onnx

// Package onnx embeds text with a local MiniLM-class sentence transformer
// through ONNX Runtime. It is behind the onnx build tag because it needs
// the onnxruntime shared library plus model and tokenizer files on disk;
// without the tag the engine falls back to the hash embedder.
package onnx

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/becomeliminal/cortex/vector"
)

// Config locates the runtime and model artifacts.
type Config struct {
	// LibraryPath is the onnxruntime shared library (libonnxruntime.so).
	LibraryPath string

	// ModelPath is the exported sentence-transformer model.onnx.
	ModelPath string

	// TokenizerPath is the matching tokenizer.json (WordPiece vocab).
	TokenizerPath string

	// Dimensions of the output embedding. Defaults to 384
	// (all-MiniLM-L6-v2).
	Dimensions int
}

const (
	defaultDimensions = 384
	maxSequence       = 128

	clsTokenID = 101
	sepTokenID = 102
	unkTokenID = 100
)

var initOnce sync.Once

// Embedder runs ONNX inference with mean pooling over attended tokens.
type Embedder struct {
	session *ort.DynamicAdvancedSession
	vocab   map[string]int
	dims    int
	inferMu sync.Mutex
}

var _ vector.Embedder = (*Embedder)(nil)

// New creates an ONNX embedder. The onnxruntime environment is
// initialized once per process.
func New(cfg Config) (*Embedder, error) {
	if cfg.ModelPath == "" || cfg.TokenizerPath == "" {
		return nil, fmt.Errorf("onnx embedder requires model and tokenizer paths")
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = defaultDimensions
	}

	var initErr error
	initOnce.Do(func() {
		if cfg.LibraryPath != "" {
			ort.SetSharedLibraryPath(cfg.LibraryPath)
		}
		initErr = ort.InitializeEnvironment()
	})
	if initErr != nil {
		return nil, fmt.Errorf("initialize onnx runtime: %w", initErr)
	}

	vocab, err := loadVocab(cfg.TokenizerPath)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}

	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath,
		[]string{"input_ids", "attention_mask", "token_type_ids"},
		[]string{"last_hidden_state"},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("create onnx session: %w", err)
	}

	return &Embedder{session: session, vocab: vocab, dims: cfg.Dimensions}, nil
}

// Dimensions implements vector.Embedder.
func (e *Embedder) Dimensions() int { return e.dims }

// Close releases the inference session.
func (e *Embedder) Close() error {
	if e.session == nil {
		return nil
	}
	return e.session.Destroy()
}

// Embed implements vector.Embedder.
func (e *Embedder) Embed(_ context.Context, text string) ([]float32, error) {
	ids := e.encode(text)

	inputIDs := make([]int64, maxSequence)
	attention := make([]int64, maxSequence)
	tokenTypes := make([]int64, maxSequence)

	inputIDs[0] = clsTokenID
	attention[0] = 1
	n := len(ids)
	if n > maxSequence-2 {
		n = maxSequence - 2
	}
	for i := 0; i < n; i++ {
		inputIDs[i+1] = ids[i]
		attention[i+1] = 1
	}
	inputIDs[n+1] = sepTokenID
	attention[n+1] = 1

	shape := ort.NewShape(1, maxSequence)
	idTensor, err := ort.NewTensor(shape, inputIDs)
	if err != nil {
		return nil, fmt.Errorf("input_ids tensor: %w", err)
	}
	defer idTensor.Destroy()
	maskTensor, err := ort.NewTensor(shape, attention)
	if err != nil {
		return nil, fmt.Errorf("attention_mask tensor: %w", err)
	}
	defer maskTensor.Destroy()
	typeTensor, err := ort.NewTensor(shape, tokenTypes)
	if err != nil {
		return nil, fmt.Errorf("token_type_ids tensor: %w", err)
	}
	defer typeTensor.Destroy()

	outputs := []ort.Value{nil}
	e.inferMu.Lock()
	err = e.session.Run([]ort.Value{idTensor, maskTensor, typeTensor}, outputs)
	e.inferMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("onnx inference: %w", err)
	}
	defer func() {
		for _, o := range outputs {
			if o != nil {
				o.Destroy()
			}
		}
	}()

	tensor, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected output tensor type %T", outputs[0])
	}
	return e.pool(tensor, attention)
}

// pool mean-pools the hidden states over attended positions and
// normalizes to a unit vector.
func (e *Embedder) pool(tensor *ort.Tensor[float32], attention []int64) ([]float32, error) {
	data := tensor.GetData()
	shape := tensor.GetShape()

	out := make([]float32, e.dims)
	switch len(shape) {
	case 2:
		if len(data) < e.dims {
			return nil, fmt.Errorf("pooled output has %d values, want %d", len(data), e.dims)
		}
		copy(out, data[:e.dims])
	case 3:
		seqLen, hidden := int(shape[1]), int(shape[2])
		if hidden != e.dims {
			return nil, fmt.Errorf("hidden size %d, want %d", hidden, e.dims)
		}
		var attended float32
		for i := 0; i < seqLen && i < len(attention); i++ {
			if attention[i] == 0 {
				continue
			}
			attended++
			base := i * hidden
			for j := 0; j < hidden; j++ {
				out[j] += data[base+j]
			}
		}
		if attended > 0 {
			for j := range out {
				out[j] /= attended
			}
		}
	default:
		return nil, fmt.Errorf("unexpected output shape %v", shape)
	}

	var norm float64
	for _, v := range out {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range out {
			out[i] *= inv
		}
	}
	return out, nil
}

// encode lowercases, splits on whitespace, and applies greedy
// longest-prefix WordPiece against the vocab.
func (e *Embedder) encode(text string) []int64 {
	var ids []int64
	for _, word := range strings.Fields(strings.ToLower(text)) {
		word = strings.Trim(word, ".,!?;:\"'()[]")
		if word == "" {
			continue
		}
		if id, ok := e.vocab[word]; ok {
			ids = append(ids, int64(id))
			continue
		}
		for _, piece := range e.wordPieces(word) {
			if id, ok := e.vocab[piece]; ok {
				ids = append(ids, int64(id))
			} else {
				ids = append(ids, unkTokenID)
			}
		}
	}
	return ids
}

func (e *Embedder) wordPieces(word string) []string {
	var pieces []string
	start := 0
	for start < len(word) {
		end := len(word)
		matched := ""
		for end > start {
			piece := word[start:end]
			if start > 0 {
				piece = "##" + piece
			}
			if _, ok := e.vocab[piece]; ok {
				matched = piece
				break
			}
			end--
		}
		if matched == "" {
			pieces = append(pieces, "[UNK]")
			start++
			continue
		}
		pieces = append(pieces, matched)
		start = end
	}
	return pieces
}

func loadVocab(path string) (map[string]int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Model struct {
			Vocab map[string]int `json:"vocab"`
		} `json:"model"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, err
	}
	if len(parsed.Model.Vocab) == 0 {
		return nil, fmt.Errorf("tokenizer %s has an empty vocab", path)
	}
	return parsed.Model.Vocab, nil
}
