package protocol

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

// FuzzMagicDiscipline ensures arbitrary byte streams never panic the
// decoder and that non-magic-prefixed input is always rejected.
func FuzzMagicDiscipline(f *testing.F) {
	f.Add([]byte{0x89, 0xAB, 0, 4})
	f.Add([]byte{0xDE, 0xAD, 0, 4})
	f.Add([]byte{})
	f.Fuzz(func(t *testing.T, data []byte) {
		r := bytes.NewReader(data)
		err := ReadMagic(context.Background(), r)
		if len(data) < 2 && err == nil {
			t.Fatalf("input shorter than the magic accepted: % x", data)
		}
		if len(data) >= 2 && (data[0] != 0x89 || data[1] != 0xAB) && !errors.Is(err, ErrMagicMismatch) {
			t.Fatalf("non-magic prefix % x: expected ErrMagicMismatch, got %v", data[:2], err)
		}
		if err == nil {
			_, _ = ReadFrame(r)
		}
	})
}
