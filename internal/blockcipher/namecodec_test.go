package blockcipher

import (
	"strings"
	"testing"
)

func TestNameCodecRoundTrip(t *testing.T) {
	codec, err := NewNameCodec(testKey(t))
	if err != nil {
		t.Fatalf("NewNameCodec: %v", err)
	}

	names := []string{"folder", "a.txt", "日本語", "with spaces", ""}
	for _, name := range names {
		token := codec.Encode(name)
		if strings.ContainsAny(token, "+/=") {
			t.Errorf("token %q for %q is not URL-safe/unpadded", token, name)
		}
		got, err := codec.Decode(token)
		if err != nil {
			t.Fatalf("Decode(%q): %v", token, err)
		}
		if got != name {
			t.Errorf("round trip: got %q want %q", got, name)
		}
	}
}

func TestNameCodecDistinctNamesDiverge(t *testing.T) {
	codec, err := NewNameCodec(testKey(t))
	if err != nil {
		t.Fatalf("NewNameCodec: %v", err)
	}

	a := codec.Encode("alpha")
	b := codec.Encode("beta")
	if a == b {
		t.Fatal("distinct names must encode to distinct tokens")
	}

	again := codec.Encode("alpha")
	if a != again {
		t.Fatal("encoding is deterministic: repeated calls must match")
	}
}

func TestNameCodecDecodeInvalid(t *testing.T) {
	codec, err := NewNameCodec(testKey(t))
	if err != nil {
		t.Fatalf("NewNameCodec: %v", err)
	}

	if _, err := codec.Decode("not-valid-base64!!!"); err != ErrInvalidName {
		t.Errorf("malformed base64: got %v want ErrInvalidName", err)
	}
	if _, err := codec.Decode("YQ"); err != ErrInvalidName {
		t.Errorf("too short: got %v want ErrInvalidName", err)
	}

	other, err := NewNameCodec(testKey(t))
	if err != nil {
		t.Fatalf("NewNameCodec: %v", err)
	}
	token := codec.Encode("secret")
	if _, err := other.Decode(token); err != ErrInvalidName {
		t.Errorf("wrong key: got %v want ErrInvalidName", err)
	}
}
