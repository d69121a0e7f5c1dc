package encryption

import (
	"bytes"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	opts := Options{
		Method: MethodAES256GCM,
		Key:    bytes.Repeat([]byte{0x42}, 32),
	}
	ciphertext, err := Encrypt([]byte("top-secret"), []byte("chunk-1"), opts)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if len(ciphertext) != len("top-secret")+Overhead(opts.Method) {
		t.Fatalf("unexpected ciphertext length %d", len(ciphertext))
	}
	plaintext, err := Decrypt(ciphertext, []byte("chunk-1"), opts)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(plaintext) != "top-secret" {
		t.Fatalf("unexpected plaintext %q", plaintext)
	}
}

func TestDecryptRejectsTampering(t *testing.T) {
	opts := Options{
		Method: MethodAES256GCM,
		Key:    bytes.Repeat([]byte{0x7f}, 32),
	}
	ciphertext, err := Encrypt([]byte("payload"), []byte("a"), opts)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := Decrypt(ciphertext, []byte("b"), opts); err == nil {
		t.Fatalf("expected additional data mismatch to fail")
	}
	ciphertext[len(ciphertext)-1] ^= 0xff
	if _, err := Decrypt(ciphertext, []byte("a"), opts); err == nil {
		t.Fatalf("expected tampered ciphertext to fail")
	}
	if _, err := Decrypt([]byte{1, 2}, nil, opts); err == nil {
		t.Fatalf("expected short ciphertext to fail")
	}
}

func TestValidate(t *testing.T) {
	if err := (Options{}).Validate(); err != nil {
		t.Fatalf("zero options should be valid: %v", err)
	}
	if err := (Options{Method: MethodAES256GCM, Key: []byte("short")}).Validate(); err == nil {
		t.Fatalf("expected short key to fail")
	}
	if err := (Options{Method: "rot13"}).Validate(); err == nil {
		t.Fatalf("expected unknown method to fail")
	}
	out, err := Encrypt([]byte("plain"), nil, Options{Method: MethodNone})
	if err != nil || string(out) != "plain" {
		t.Fatalf("none method should pass through, got %q %v", out, err)
	}
}

func TestParseKey(t *testing.T) {
	key, err := ParseKey("00ff")
	if err != nil || !bytes.Equal(key, []byte{0x00, 0xff}) {
		t.Fatalf("unexpected key %x %v", key, err)
	}
	if _, err := ParseKey("zz"); err == nil {
		t.Fatalf("expected invalid hex to fail")
	}
}
