//go:build cgo && sherpa

package main

import (
	"github.com/sttdispatch/sttd/internal/asr"
	"github.com/sttdispatch/sttd/internal/asr/sherpa"
)

func newDefaultEngine() asr.Engine { return sherpa.New() }
