package wire

import "testing"

func TestCompressRoundTrip(t *testing.T) {
	cases := []string{
		"",
		"any",
		"Deathmatch",
		"CTF",
		"not in the dictionary",
		"aaaaabbbbbcccc",
		"x",
		"mixed 123 !@# content",
	}
	for _, in := range cases {
		if got := decompressString(compressString(in)); got != in {
			t.Errorf("round trip %q -> %q", in, got)
		}
	}
}

func TestDictionaryHitIsCompact(t *testing.T) {
	if got := compressString("Deathmatch"); len(got) != 2 {
		t.Errorf("dictionary hit encoded as %d bytes", len(got))
	}
}

func TestDecompressGarbage(t *testing.T) {
	// Unknown markers and short buffers must not panic; they decode to
	// the empty string.
	for _, b := range [][]byte{nil, {0x00}, {markerDictionary}, {markerDictionary, 0xFF}, {0x42, 0x42}} {
		if got := decompressString(b); got != "" {
			t.Errorf("garbage %v decoded to %q", b, got)
		}
	}
}

func TestRLELongRun(t *testing.T) {
	in := make([]byte, 1000)
	for i := range in {
		in[i] = 'z'
	}
	out := rleDecode(rleEncode(in))
	if string(out) != string(in) {
		t.Error("long run did not round trip")
	}
}
