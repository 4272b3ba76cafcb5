package voice

import "testing"

func TestPCMCodecRoundTrip(t *testing.T) {
	codec := NewPCMCodec(4)

	pcm := []int16{0, -1, 32767, -32768}
	data, err := codec.Encode(pcm)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if len(data) != 8 {
		t.Fatalf("encoded length = %d, want 8", len(data))
	}

	decoded, err := codec.Decode(data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if len(decoded) != len(pcm) {
		t.Fatalf("decoded length = %d, want %d", len(decoded), len(pcm))
	}
	for i := range pcm {
		if decoded[i] != pcm[i] {
			t.Errorf("sample %d = %d, want %d", i, decoded[i], pcm[i])
		}
	}
}

func TestPadPCM(t *testing.T) {
	// Short input is padded with silence.
	padded := padPCM([]int16{1, 2}, 4)
	if len(padded) != 4 || padded[0] != 1 || padded[1] != 2 || padded[2] != 0 || padded[3] != 0 {
		t.Errorf("padPCM(short) = %v", padded)
	}

	// Long input is truncated.
	truncated := padPCM([]int16{1, 2, 3, 4, 5}, 3)
	if len(truncated) != 3 || truncated[2] != 3 {
		t.Errorf("padPCM(long) = %v", truncated)
	}

	// Exact input passes through unchanged.
	exact := []int16{7, 8}
	if got := padPCM(exact, 2); &got[0] != &exact[0] {
		t.Error("padPCM(exact) copied unnecessarily")
	}
}
