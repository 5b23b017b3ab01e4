package wallet

import (
	"bytes"
	stdErrors "errors"
	"testing"
)

func testCustody(t *testing.T) *Custody {
	t.Helper()
	custody, err := NewCustody(bytes.Repeat([]byte{0x11}, 32))
	if err != nil {
		t.Fatalf("NewCustody failed: %v", err)
	}
	return custody
}

func TestCustodyRoundTrip(t *testing.T) {
	custody := testCustody(t)
	const plaintext = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

	encrypted, err := custody.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if len(encrypted.Nonce) != 12 || len(encrypted.Tag) != 16 {
		t.Fatalf("unexpected nonce/tag lengths: %d/%d", len(encrypted.Nonce), len(encrypted.Tag))
	}

	decrypted, err := custody.Decrypt(encrypted)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if decrypted != plaintext {
		t.Fatal("round trip did not restore the plaintext")
	}
}

func TestCustodyFreshNoncePerCall(t *testing.T) {
	custody := testCustody(t)

	first, err := custody.Encrypt("secret")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	second, err := custody.Encrypt("secret")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if bytes.Equal(first.Nonce, second.Nonce) {
		t.Fatal("nonce reuse across encryptions")
	}
	if bytes.Equal(first.Ciphertext, second.Ciphertext) {
		t.Fatal("identical ciphertexts for repeated encryptions")
	}
}

func TestCustodyDetectsTampering(t *testing.T) {
	custody := testCustody(t)
	encrypted, err := custody.Encrypt("secret-key-material")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	flipByte := func(in []byte) []byte {
		out := append([]byte(nil), in...)
		out[0] ^= 0xff
		return out
	}

	cases := map[string]EncryptedKey{
		"ciphertext": {Ciphertext: flipByte(encrypted.Ciphertext), Nonce: encrypted.Nonce, Tag: encrypted.Tag},
		"nonce":      {Ciphertext: encrypted.Ciphertext, Nonce: flipByte(encrypted.Nonce), Tag: encrypted.Tag},
		"tag":        {Ciphertext: encrypted.Ciphertext, Nonce: encrypted.Nonce, Tag: flipByte(encrypted.Tag)},
	}
	for name, tampered := range cases {
		if _, err := custody.Decrypt(tampered); !stdErrors.Is(err, ErrDecryptionFailed) {
			t.Fatalf("tampered %s must fail authentication, got %v", name, err)
		}
	}
}

func TestCustodyRejectsWrongMasterKeyLength(t *testing.T) {
	if _, err := NewCustody(make([]byte, 16)); err == nil {
		t.Fatal("16-byte master key must be rejected")
	}
	if _, err := NewCustody(nil); err == nil {
		t.Fatal("missing master key must be rejected")
	}
}

func TestCustodyFromPassphrase(t *testing.T) {
	salt := bytes.Repeat([]byte{0x7a}, 16)
	custody, err := NewCustodyFromPassphrase("correct horse battery staple", salt)
	if err != nil {
		t.Fatalf("NewCustodyFromPassphrase failed: %v", err)
	}

	encrypted, err := custody.Encrypt("secret")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	// Same passphrase and salt must be able to read existing ciphertexts.
	reopened, err := NewCustodyFromPassphrase("correct horse battery staple", salt)
	if err != nil {
		t.Fatalf("NewCustodyFromPassphrase failed: %v", err)
	}
	plaintext, err := reopened.Decrypt(encrypted)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if plaintext != "secret" {
		t.Fatal("passphrase custody round trip failed")
	}

	// A different passphrase must fail authentication.
	wrong, err := NewCustodyFromPassphrase("not the passphrase", salt)
	if err != nil {
		t.Fatalf("NewCustodyFromPassphrase failed: %v", err)
	}
	if _, err := wrong.Decrypt(encrypted); !stdErrors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("wrong passphrase must fail, got %v", err)
	}

	if _, err := NewCustodyFromPassphrase("", salt); err == nil {
		t.Fatal("empty passphrase must be rejected")
	}
	if _, err := NewCustodyFromPassphrase("x", salt[:8]); err == nil {
		t.Fatal("short salt must be rejected")
	}
}

func TestParseEncryptedKeyRoundTrip(t *testing.T) {
	custody := testCustody(t)
	encrypted, err := custody.Encrypt("secret")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	parsed, err := ParseEncryptedKey(encrypted.CiphertextHex(), encrypted.NonceHex(), encrypted.TagHex())
	if err != nil {
		t.Fatalf("ParseEncryptedKey failed: %v", err)
	}
	plaintext, err := custody.Decrypt(parsed)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if plaintext != "secret" {
		t.Fatal("storage round trip failed")
	}

	if _, err := ParseEncryptedKey("zz", encrypted.NonceHex(), encrypted.TagHex()); err == nil {
		t.Fatal("invalid hex must be rejected")
	}
}
