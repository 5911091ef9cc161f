package secret

import (
	"errors"
	"strings"
	"testing"
)

func TestBoxRoundTrip(t *testing.T) {
	box, err := NewBox("passphrase")
	if err != nil {
		t.Fatalf("NewBox failed: %v", err)
	}

	enc, err := box.Encrypt("hunter2")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if strings.Contains(enc, "hunter2") {
		t.Fatal("ciphertext contains plaintext")
	}
	if !strings.Contains(enc, ":") {
		t.Errorf("expected nonce:ciphertext format, got %q", enc)
	}

	dec, err := box.Decrypt(enc)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if dec != "hunter2" {
		t.Errorf("Decrypt = %q, want hunter2", dec)
	}
}

func TestBoxNonceIsRandom(t *testing.T) {
	box, _ := NewBox("passphrase")
	a, _ := box.Encrypt("same")
	b, _ := box.Encrypt("same")
	if a == b {
		t.Error("two encryptions of the same secret should differ")
	}
}

func TestBoxWrongKey(t *testing.T) {
	a, _ := NewBox("one")
	b, _ := NewBox("two")

	enc, _ := a.Encrypt("secret")
	if _, err := b.Decrypt(enc); !errors.Is(err, ErrInvalidCiphertext) {
		t.Errorf("expected ErrInvalidCiphertext, got %v", err)
	}
}

func TestBoxMalformed(t *testing.T) {
	box, _ := NewBox("passphrase")
	for _, in := range []string{"", "nocolon", "zz:zz", "00:00"} {
		if _, err := box.Decrypt(in); !errors.Is(err, ErrInvalidCiphertext) {
			t.Errorf("Decrypt(%q): expected ErrInvalidCiphertext, got %v", in, err)
		}
	}
}

func TestNewBoxEmpty(t *testing.T) {
	if _, err := NewBox(""); err == nil {
		t.Error("expected error for empty passphrase")
	}
}
