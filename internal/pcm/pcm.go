// Package pcm converts between little-endian 16-bit signed PCM and the
// float32 samples an ASR engine consumes.
package pcm

import "errors"

// ErrOddLength is returned when a byte slice has an odd number of bytes and
// therefore cannot be a whole number of int16 samples.
var ErrOddLength = errors.New("pcm: odd byte length")

// ToFloat32 converts little-endian signed 16-bit PCM to float32 samples
// normalized by 32767. Returns ErrOddLength for a malformed (odd-length)
// chunk; callers must drop such chunks rather than truncate them.
func ToFloat32(b []byte) ([]float32, error) {
	if len(b)%2 != 0 {
		return nil, ErrOddLength
	}
	out := make([]float32, len(b)/2)
	for i := range out {
		lo := b[2*i]
		hi := b[2*i+1]
		sample := int16(uint16(hi)<<8 | uint16(lo))
		out[i] = float32(sample) / 32767.0
	}
	return out, nil
}
