package util

import (
	"strings"
	"testing"
)

func TestNewIDPrefixAndOrdering(t *testing.T) {
	prev := ""
	for i := 0; i < 200; i++ {
		id := NewID("msg")
		if !strings.HasPrefix(id, "msg_") {
			t.Fatalf("id %q missing prefix", id)
		}
		if len(id) != len("msg_")+32 {
			t.Fatalf("id %q has unexpected length", id)
		}
		if prev != "" && id <= prev {
			t.Fatalf("ids not increasing: %q then %q", prev, id)
		}
		prev = id
	}
}

func TestNewIDWithoutPrefix(t *testing.T) {
	if id := NewID(""); strings.Contains(id, "_") || len(id) != 32 {
		t.Fatalf("unexpected id %q", id)
	}
}
