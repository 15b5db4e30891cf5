//go:build !cgo || !sherpa

// Package stub provides a deterministic, dependency-free asr.Engine used
// by default builds, tests, and platforms without the sherpa-bridge
// library linked in.
package stub

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sttdispatch/sttd/internal/asr"
)

// ErrNotInitialized mirrors the real engine's lifecycle contract.
var ErrNotInitialized = errors.New("stub: engine not initialized")

// Engine is a fake recognizer: it reports the running sample count of the
// current session instead of performing real transcription. Useful for
// exercising the worker/proxy/client plumbing without native model files.
type Engine struct {
	mu         sync.Mutex
	started    bool
	samples    int
	resetCalls int
}

var _ asr.Engine = (*Engine)(nil)

func New() *Engine { return &Engine{} }

func (e *Engine) Init(tokens, encoder, decoder, joiner string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.started = true
	e.samples = 0
	return nil
}

func (e *Engine) Transcribe(samples []float32) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return "", ErrNotInitialized
	}
	nonZero := 0
	for _, s := range samples {
		if s != 0 {
			nonZero++
		}
	}
	e.samples += len(samples)
	if nonZero == 0 {
		return "", nil
	}
	return fmt.Sprintf("stub:%d", e.samples), nil
}

func (e *Engine) Reset() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return ErrNotInitialized
	}
	e.samples = 0
	e.resetCalls++
	return nil
}

// ResetCount reports how many times Reset has succeeded, for tests that
// assert a session boundary triggered exactly one engine reset.
func (e *Engine) ResetCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resetCalls
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.started = false
	return nil
}
