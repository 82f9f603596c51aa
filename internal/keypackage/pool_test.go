package keypackage

import "testing"

func TestContentHashIsStableAndDistinct(t *testing.T) {
	a := ContentHash([]byte("key-package-bytes-a"))
	b := ContentHash([]byte("key-package-bytes-a"))
	c := ContentHash([]byte("key-package-bytes-b"))

	if a != b {
		t.Fatal("ContentHash must be deterministic for identical bytes")
	}
	if a == c {
		t.Fatal("ContentHash must differ for distinct bytes")
	}
	if len(a) != 64 {
		t.Fatalf("expected a 32-byte sha256 hex digest (64 chars), got %d", len(a))
	}
}
