package crypto

import "testing"

func TestSealOpenRoundTrip(t *testing.T) {
	testKey := "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
	sealer, err := NewSealerFromHex(testKey)
	if err != nil {
		t.Fatalf("NewSealerFromHex failed: %v", err)
	}

	plaintext := "tenant-signing-secret-material"

	sealed, err := sealer.Seal(plaintext)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if len(sealed) < len(encryptedPrefix) || sealed[:len(encryptedPrefix)] != encryptedPrefix {
		t.Errorf("sealed output missing %q prefix: %s", encryptedPrefix, sealed)
	}

	opened, err := sealer.Open(sealed)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if opened != plaintext {
		t.Errorf("round trip mismatch.\nGot: %s\nWant: %s", opened, plaintext)
	}
}

func TestOpenRejectsMissingPrefix(t *testing.T) {
	sealer, _ := NewSealerFromHex("0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef")
	if _, err := sealer.Open("plaintext-not-sealed"); err == nil {
		t.Error("expected error for unsealed input, got nil")
	}
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	sealer, _ := NewSealerFromHex("0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef")
	sealed, _ := sealer.Seal("test")
	tampered := sealed[:len(sealed)-5] + "AAAAA"
	if _, err := sealer.Open(tampered); err == nil {
		t.Error("expected error for tampered ciphertext, got nil")
	}
}

func TestKeyRotationAcrossVersions(t *testing.T) {
	keyV1, _ := decodeHexKey("0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef")
	keyV2, _ := decodeHexKey("fedcba9876543210fedcba9876543210fedcba9876543210fedcba9876543210")

	sealerV1, err := NewSealer(map[int][]byte{1: keyV1}, 1)
	if err != nil {
		t.Fatalf("NewSealer(v1) failed: %v", err)
	}
	sealedUnderV1, err := sealerV1.Seal("rotate-me")
	if err != nil {
		t.Fatalf("Seal under v1 failed: %v", err)
	}

	// A sealer that knows both versions, now active on v2, must still open
	// values sealed under v1.
	sealerBoth, err := NewSealer(map[int][]byte{1: keyV1, 2: keyV2}, 2)
	if err != nil {
		t.Fatalf("NewSealer(v1+v2) failed: %v", err)
	}
	opened, err := sealerBoth.Open(sealedUnderV1)
	if err != nil {
		t.Fatalf("Open(sealed under retired version) failed: %v", err)
	}
	if opened != "rotate-me" {
		t.Errorf("got %q, want %q", opened, "rotate-me")
	}
}

func TestGenerateKeyIsValidHex(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	if len(key) != 64 {
		t.Errorf("generated key has wrong length: got %d, want 64", len(key))
	}
	for _, c := range key {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			t.Errorf("generated key contains non-hex character: %c", c)
			break
		}
	}
}
