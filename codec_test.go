package lockstep

import (
	"bytes"
	"testing"
)

func TestCodecPlainRoundTrip(t *testing.T) {
	codec, err := newPayloadCodec(CompressionConfig{Disabled: true}, nil)
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}

	in := []byte(`{"title":"hello"}`)
	enc, err := codec.Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out, err := codec.Decode(enc)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(in, out) {
		t.Errorf("round trip = %s, want %s", out, in)
	}
}

func TestCodecEmptyPayload(t *testing.T) {
	codec, _ := newPayloadCodec(CompressionConfig{}, nil)

	enc, err := codec.Encode(nil)
	if err != nil {
		t.Fatalf("Encode(nil): %v", err)
	}
	if enc != nil {
		t.Errorf("encoded empty payload = %v, want nil", enc)
	}
	out, err := codec.Decode(nil)
	if err != nil {
		t.Fatalf("Decode(nil): %v", err)
	}
	if out != nil {
		t.Errorf("decoded empty payload = %v, want nil", out)
	}
}

func TestCodecCompressesLargePayloads(t *testing.T) {
	codec, err := newPayloadCodec(CompressionConfig{MinSize: 64}, nil)
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}

	in := bytes.Repeat([]byte("abcdefgh"), 100)
	enc, err := codec.Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(enc) >= len(in) {
		t.Errorf("encoded %d bytes, want smaller than %d", len(enc), len(in))
	}
	if enc[1]&codecFlagSnappy == 0 {
		t.Error("snappy flag not set")
	}

	out, err := codec.Decode(enc)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(in, out) {
		t.Error("round trip mismatch")
	}
}

func TestCodecSkipsCompressionBelowMinSize(t *testing.T) {
	codec, _ := newPayloadCodec(CompressionConfig{MinSize: 256}, nil)

	in := []byte("short")
	enc, err := codec.Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if enc[1]&codecFlagSnappy != 0 {
		t.Error("small payload was compressed")
	}
}

func TestCodecSkipsIncompressiblePayloads(t *testing.T) {
	codec, _ := newPayloadCodec(CompressionConfig{MinSize: 1}, nil)

	// High-entropy bytes do not shrink under snappy.
	in := make([]byte, 512)
	for i := range in {
		in[i] = byte(i*7 + i*i*13)
	}
	enc, err := codec.Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if enc[1]&codecFlagSnappy != 0 {
		t.Error("incompressible payload kept compressed form")
	}
	out, err := codec.Decode(enc)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(in, out) {
		t.Error("round trip mismatch")
	}
}

func TestCodecEncryptedRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 32)
	codec, err := newPayloadCodec(CompressionConfig{Disabled: true}, &EncryptionConfig{
		Enabled: true,
		Key:     key,
	})
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}

	in := []byte(`{"secret":"yes"}`)
	enc, err := codec.Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if enc[1]&codecFlagEncrypted == 0 {
		t.Error("encrypted flag not set")
	}
	if bytes.Contains(enc, []byte("secret")) {
		t.Error("plaintext visible in envelope")
	}

	out, err := codec.Decode(enc)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(in, out) {
		t.Error("round trip mismatch")
	}
}

func TestCodecPasswordModeReadsForeignSalt(t *testing.T) {
	// Two codecs with the same password derive different salts; each
	// must still read the other's envelopes.
	a, err := newPayloadCodec(CompressionConfig{Disabled: true}, &EncryptionConfig{
		Enabled:     true,
		KeyPassword: "hunter2",
	})
	if err != nil {
		t.Fatalf("new codec a: %v", err)
	}
	b, err := newPayloadCodec(CompressionConfig{Disabled: true}, &EncryptionConfig{
		Enabled:     true,
		KeyPassword: "hunter2",
	})
	if err != nil {
		t.Fatalf("new codec b: %v", err)
	}

	in := []byte(`written by a`)
	enc, err := a.Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if enc[1]&codecFlagSalted == 0 {
		t.Fatal("salted flag not set in password mode")
	}

	out, err := b.Decode(enc)
	if err != nil {
		t.Fatalf("Decode across codecs: %v", err)
	}
	if !bytes.Equal(in, out) {
		t.Error("round trip mismatch")
	}
}

func TestCodecDecodeErrors(t *testing.T) {
	plain, _ := newPayloadCodec(CompressionConfig{}, nil)

	tests := []struct {
		name string
		in   []byte
	}{
		{"truncated envelope", []byte{codecVersion}},
		{"unknown version", []byte{99, 0, 'x'}},
		{"encrypted without config", []byte{codecVersion, codecFlagEncrypted, 'x'}},
		{"corrupt snappy body", []byte{codecVersion, codecFlagSnappy, 0xff, 0xff, 0xff}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := plain.Decode(tt.in); err == nil {
				t.Error("expected decode error")
			}
		})
	}
}
