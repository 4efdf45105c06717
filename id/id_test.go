package id

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestNewWorkerID(t *testing.T) {
	a := NewWorkerID()
	b := NewWorkerID()

	if a.IsNil() || b.IsNil() {
		t.Fatal("generated IDs must not be nil")
	}
	if a == b {
		t.Fatal("two generated IDs collided")
	}
	if !strings.HasPrefix(a.String(), "wkr_") {
		t.Fatalf("worker ID missing prefix: %s", a)
	}
	if a.Prefix() != PrefixWorker {
		t.Fatalf("unexpected prefix %q", a.Prefix())
	}
}

func TestParseRoundTrip(t *testing.T) {
	original := NewFrameID()

	parsed, err := Parse(original.String())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed != original {
		t.Fatalf("round trip changed the ID: %s != %s", parsed, original)
	}
}

func TestParseWithPrefix(t *testing.T) {
	worker := NewWorkerID()

	if _, err := ParseWorkerID(worker.String()); err != nil {
		t.Fatalf("parse worker ID: %v", err)
	}
	if _, err := ParseWithPrefix(worker.String(), PrefixFrame); err == nil {
		t.Fatal("wrong prefix must be rejected")
	}
	if _, err := Parse(""); err == nil {
		t.Fatal("empty string must be rejected")
	}
}

func TestJSONRoundTrip(t *testing.T) {
	original := NewWorkerID()

	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded ID
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded != original {
		t.Fatalf("round trip changed the ID: %s != %s", decoded, original)
	}
}

func TestNilID(t *testing.T) {
	if Nil.String() != "" {
		t.Fatalf("nil ID must render empty, got %q", Nil.String())
	}
	if !Nil.IsNil() {
		t.Fatal("Nil must report IsNil")
	}

	var decoded ID
	if err := decoded.UnmarshalText(nil); err != nil {
		t.Fatalf("unmarshal empty: %v", err)
	}
	if !decoded.IsNil() {
		t.Fatal("empty text must decode to Nil")
	}
}
