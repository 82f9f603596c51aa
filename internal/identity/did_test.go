package identity

import "testing"

func TestParseConstructRoundTrip(t *testing.T) {
	cases := []string{
		"did:plc:josh#abc-123",
		"did:plc:alice#a1b2c3d4-5678-90ab-cdef-1234567890ab",
		"did:plc:bob",
		"did:web:mls.example.com",
	}
	for _, in := range cases {
		d, ok := ParseDevice(in)
		if !ok {
			t.Fatalf("ParseDevice(%q): expected success", in)
		}
		if got := Construct(d); got != in {
			t.Fatalf("round trip failed: Construct(ParseDevice(%q)) = %q", in, got)
		}
	}
}

func TestParseDeviceSplitsUserAndDevice(t *testing.T) {
	d, ok := ParseDevice("did:plc:josh#abc-123")
	if !ok {
		t.Fatal("expected success")
	}
	if d.UserDID != "did:plc:josh" || d.DeviceID != "abc-123" {
		t.Fatalf("unexpected parse: %+v", d)
	}
}

func TestParseDeviceBareForm(t *testing.T) {
	d, ok := ParseDevice("did:plc:bob")
	if !ok {
		t.Fatal("expected success")
	}
	if d.UserDID != "did:plc:bob" || d.DeviceID != "" {
		t.Fatalf("unexpected parse: %+v", d)
	}
}

func TestParseDeviceRejectsEmptySegments(t *testing.T) {
	for _, in := range []string{"did:plc:josh#", "#device", ""} {
		if _, ok := ParseDevice(in); ok {
			t.Fatalf("ParseDevice(%q): expected failure", in)
		}
	}
}

func TestConstructEmptyDeviceIsBareForm(t *testing.T) {
	got := Construct(Device{UserDID: "did:plc:bob", DeviceID: ""})
	if got != "did:plc:bob" {
		t.Fatalf("expected bare form, got %q", got)
	}
}

func TestCanonicalizeStripsFragment(t *testing.T) {
	if Canonicalize("did:web:x#svc") != Canonicalize("did:web:x") {
		t.Fatal("expected did:web:x#svc and did:web:x to canonicalize equal")
	}
	if Canonicalize("did:web:x") != "did:web:x" {
		t.Fatal("canonicalizing a bare DID should be a no-op")
	}
}
