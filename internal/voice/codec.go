package voice

import "encoding/binary"

// Codec is the opaque byte transformer between fixed-duration PCM frames and
// the payload carried in voice packets. Speech codec internals live behind
// this boundary; the transport only pads capture input to FrameSize before
// Encode and trusts Decode to produce whatever PCM its codec defines.
type Codec interface {
	// Encode compresses one frame of exactly FrameSize samples.
	Encode(pcm []int16) ([]byte, error)

	// Decode expands a received payload back to PCM samples.
	Decode(data []byte) ([]int16, error)

	// FrameSize is the sample count Encode expects per frame.
	FrameSize() int
}

// PCMCodec is a passthrough codec: samples travel as little-endian int16
// bytes. It serves codec-less deployments and tests.
type PCMCodec struct {
	Samples int
}

// NewPCMCodec creates a passthrough codec for frames of n samples.
func NewPCMCodec(n int) *PCMCodec {
	return &PCMCodec{Samples: n}
}

// Encode implements Codec.
func (c *PCMCodec) Encode(pcm []int16) ([]byte, error) {
	out := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out, nil
}

// Decode implements Codec.
func (c *PCMCodec) Decode(data []byte) ([]int16, error) {
	out := make([]int16, len(data)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return out, nil
}

// FrameSize implements Codec.
func (c *PCMCodec) FrameSize() int {
	return c.Samples
}

// padPCM pads with silence or truncates so the codec always sees exactly
// size samples.
func padPCM(pcm []int16, size int) []int16 {
	if len(pcm) == size {
		return pcm
	}
	if len(pcm) > size {
		return pcm[:size]
	}
	padded := make([]int16, size)
	copy(padded, pcm)
	return padded
}
