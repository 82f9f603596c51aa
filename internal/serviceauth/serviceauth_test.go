package serviceauth

import (
	"context"
	"testing"
)

func TestIssueVerifyRoundTrip(t *testing.T) {
	svc := NewHMAC("did:web:self.example", []byte("test-secret"))

	tok, err := svc.Issue("did:web:caller.example", "did:web:self.example", "blue.catbird.mls.ds.healthCheck")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	claims, err := svc.Verify(context.Background(), tok, "blue.catbird.mls.ds.healthCheck")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Issuer != "did:web:caller.example" {
		t.Fatalf("unexpected issuer: %q", claims.Issuer)
	}
}

func TestVerifyRejectsWrongMethod(t *testing.T) {
	svc := NewHMAC("did:web:self.example", []byte("test-secret"))
	tok, _ := svc.Issue("did:web:caller.example", "did:web:self.example", "blue.catbird.mls.ds.healthCheck")

	if _, err := svc.Verify(context.Background(), tok, "blue.catbird.mls.ds.transferSequencer"); err == nil {
		t.Fatal("expected method mismatch error")
	}
}

func TestVerifyRejectsWrongAudience(t *testing.T) {
	svc := NewHMAC("did:web:self.example", []byte("test-secret"))
	tok, _ := svc.Issue("did:web:caller.example", "did:web:someone-else.example", "blue.catbird.mls.ds.healthCheck")

	if _, err := svc.Verify(context.Background(), tok, "blue.catbird.mls.ds.healthCheck"); err == nil {
		t.Fatal("expected audience mismatch error")
	}
}

func TestVerifyRejectsReplay(t *testing.T) {
	svc := NewHMAC("did:web:self.example", []byte("test-secret"))
	tok, _ := svc.Issue("did:web:caller.example", "did:web:self.example", "blue.catbird.mls.ds.healthCheck")

	if _, err := svc.Verify(context.Background(), tok, "blue.catbird.mls.ds.healthCheck"); err != nil {
		t.Fatalf("first verify: %v", err)
	}
	if _, err := svc.Verify(context.Background(), tok, "blue.catbird.mls.ds.healthCheck"); err == nil {
		t.Fatal("expected replay error on second verify")
	}
}
