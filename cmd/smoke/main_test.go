package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestRunUsageErrors(t *testing.T) {
	t.Setenv("SMOKE_URL", "")

	var stdout, stderr bytes.Buffer
	if code := run([]string{"-unknown"}, &stdout, &stderr); code != 2 {
		t.Fatalf("expected exit 2 for bad flag, got %d", code)
	}

	stderr.Reset()
	if code := run(nil, &stdout, &stderr); code != 2 {
		t.Fatalf("expected exit 2 without url, got %d", code)
	}
	if !strings.Contains(stderr.String(), "smoke failed") {
		t.Fatalf("expected failure message, got %s", stderr.String())
	}
}
