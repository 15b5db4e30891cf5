//go:build cgo && sherpa

// Package sherpa binds the asr.Engine interface to the sherpa-onnx C-ABI
// bridge library (libsherpa-bridge), mirroring the four-function lifecycle
// an embedded streaming recognizer exposes.
package sherpa

/*
#cgo LDFLAGS: -lsherpa-bridge
#include <stdlib.h>

typedef struct {
	const void *recognizer;
	const void *stream;
} sherpa_handle;

sherpa_handle sherpa_init(const char *tokens, const char *encoder, const char *decoder, const char *joiner);
void sherpa_transcribe(sherpa_handle handle, char *result, const float *samples, int len);
void sherpa_reset(sherpa_handle handle);
void sherpa_close(sherpa_handle handle);
*/
import "C"

import (
	"errors"
	"strings"
	"sync"
	"unsafe"

	"github.com/sttdispatch/sttd/internal/asr"
)

const resultBufSize = 2048

// ErrNotInitialized is returned when Transcribe/Reset/Close are called
// before a successful Init.
var ErrNotInitialized = errors.New("sherpa: engine not initialized")

// Engine wraps a sherpa_handle for the lifetime of one worker.
type Engine struct {
	mu      sync.Mutex
	handle  C.sherpa_handle
	started bool
}

var _ asr.Engine = (*Engine)(nil)

// New constructs an uninitialized Engine.
func New() *Engine { return &Engine{} }

func (e *Engine) Init(tokens, encoder, decoder, joiner string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cTokens := C.CString(tokens)
	defer C.free(unsafe.Pointer(cTokens))
	cEncoder := C.CString(encoder)
	defer C.free(unsafe.Pointer(cEncoder))
	cDecoder := C.CString(decoder)
	defer C.free(unsafe.Pointer(cDecoder))
	cJoiner := C.CString(joiner)
	defer C.free(unsafe.Pointer(cJoiner))

	e.handle = C.sherpa_init(cTokens, cEncoder, cDecoder, cJoiner)
	e.started = true
	return nil
}

func (e *Engine) Transcribe(samples []float32) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return "", ErrNotInitialized
	}
	var resultBuf [resultBufSize]C.char
	var samplesPtr *C.float
	if len(samples) > 0 {
		samplesPtr = (*C.float)(unsafe.Pointer(&samples[0]))
	}
	C.sherpa_transcribe(e.handle, &resultBuf[0], samplesPtr, C.int(len(samples)))
	text := C.GoString(&resultBuf[0])
	return strings.TrimSpace(text), nil
}

func (e *Engine) Reset() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return ErrNotInitialized
	}
	C.sherpa_reset(e.handle)
	return nil
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return nil
	}
	C.sherpa_close(e.handle)
	e.started = false
	return nil
}
