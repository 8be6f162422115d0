package main

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestSanitizeLogLineRoundTrip(t *testing.T) {
	original := `he said "hello" \ again` + "\nnext line\tdone"
	frame := logFrame("log", sanitizeLogLine(original))

	var decoded struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal([]byte(frame), &decoded); err != nil {
		t.Fatalf("frame is not valid JSON: %v\nframe: %s", err, frame)
	}
	if decoded.Type != "log" {
		t.Fatalf("type = %q", decoded.Type)
	}
	if decoded.Message != original {
		t.Fatalf("message = %q, want %q", decoded.Message, original)
	}
}

func TestSanitizeLogLineStripsControlChars(t *testing.T) {
	in := "colored \x1b[32mtext\x1b[0m and\x00null"
	got := sanitizeLogLine(in)
	if strings.ContainsRune(got, 0x1b) || strings.ContainsRune(got, 0) {
		t.Fatalf("control characters survived: %q", got)
	}
	if !strings.Contains(got, "colored") || !strings.Contains(got, "text") {
		t.Fatalf("printable text lost: %q", got)
	}
}

func TestFilterLogLinesAllowList(t *testing.T) {
	w := defaultWorkloads()[workloadMinecraft]
	raw := strings.Join([]string{
		"[12:00:01] [Server thread/INFO]: Done (3.2s)! For help, type \"help\"",
		"$ ls -la",
		"# root prompt noise",
		"random infrastructure chatter",
		"[12:00:05] [Server thread/INFO]: steve joined the game",
		"",
	}, "\n")
	got := filterLogLines(raw, w)
	lines := strings.Split(got, "\n")
	if len(lines) != 2 {
		t.Fatalf("kept %d lines, want 2: %q", len(lines), got)
	}
	if !strings.Contains(lines[0], "Done") || !strings.Contains(lines[1], "joined the game") {
		t.Fatalf("wrong lines kept: %q", got)
	}
}

func TestFilterLogLinesNilWorkloadPassthrough(t *testing.T) {
	raw := "anything\ngoes"
	if got := filterLogLines(raw, nil); got != raw {
		t.Fatalf("passthrough = %q", got)
	}
}

func TestLastLinesNeverPads(t *testing.T) {
	text := "one\ntwo\nthree\nfour\nfive\nsix\nseven\neight\nnine\nten\n"
	got := lastLines(text, 100)
	if n := len(strings.Split(got, "\n")); n != 10 {
		t.Fatalf("line count = %d, want 10", n)
	}
	got = lastLines(text, 3)
	if got != "eight\nnine\nten" {
		t.Fatalf("tail 3 = %q", got)
	}
	if lastLines("", 5) != "" {
		t.Fatal("empty input must stay empty")
	}
}
