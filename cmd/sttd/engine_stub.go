//go:build !cgo || !sherpa

package main

import (
	"github.com/sttdispatch/sttd/internal/asr"
	"github.com/sttdispatch/sttd/internal/asr/stub"
)

func newDefaultEngine() asr.Engine { return stub.New() }
