package main

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestDispatchStopsOnConfirmed(t *testing.T) {
	rt := newFakeRuntime()
	rt.execFn = func(id string, cmd []string) (string, error) {
		if cmd[0] == "rcon-cli" {
			return "Seed: 12345", nil
		}
		t.Fatalf("strategy ran after confirmation: %v", cmd)
		return "", nil
	}
	w := defaultWorkloads()[workloadMinecraft]
	res := dispatchConsoleCommand(context.Background(), rt, "c1", w, "seed", time.Second)
	if !res.Confirmed || !res.Delivered {
		t.Fatalf("result = %+v, want confirmed", res)
	}
	if res.Output != "Seed: 12345" {
		t.Fatalf("output = %q", res.Output)
	}
	if len(rt.execCalls) != 1 {
		t.Fatalf("exec calls = %d, want 1", len(rt.execCalls))
	}
}

func TestDispatchFallsBackToConsolePipe(t *testing.T) {
	rt := newFakeRuntime()
	rt.execFn = func(id string, cmd []string) (string, error) {
		if cmd[0] == "rcon-cli" {
			return "", fmt.Errorf("rcon-cli: not found")
		}
		script := cmd[len(cmd)-1]
		if strings.Contains(script, "-p ") {
			return "delivered\n", nil
		}
		return "", fmt.Errorf("no such strategy")
	}
	w := defaultWorkloads()[workloadRust]
	res := dispatchConsoleCommand(context.Background(), rt, "c1", w, "say hi", time.Second)
	if res.Confirmed {
		t.Fatal("pipe delivery must not claim confirmation")
	}
	if !res.Delivered || !strings.Contains(res.Output, "console pipe") {
		t.Fatalf("result = %+v", res)
	}
}

func TestDispatchDegradesToAcknowledgment(t *testing.T) {
	rt := newFakeRuntime()
	rt.execFn = func(id string, cmd []string) (string, error) {
		return "", fmt.Errorf("exec unavailable")
	}
	w := defaultWorkloads()[workloadMinecraft]
	res := dispatchConsoleCommand(context.Background(), rt, "c1", w, "say hi", time.Second)
	if res.Confirmed {
		t.Fatal("nothing confirmed the command")
	}
	if !res.Delivered || !strings.Contains(res.Output, "not confirmed") {
		t.Fatalf("result = %+v", res)
	}
	// rcon-cli, console pipe, process stdin were all tried first.
	if len(rt.execCalls) != 3 {
		t.Fatalf("exec calls = %d, want 3", len(rt.execCalls))
	}
}

func TestShellQuote(t *testing.T) {
	in := `say it's "fine"`
	quoted := shellQuote(in)
	if !strings.HasPrefix(quoted, "'") || !strings.HasSuffix(quoted, "'") {
		t.Fatalf("quoted = %q", quoted)
	}
	if strings.Contains(quoted, `'s "fine"'`) && !strings.Contains(quoted, `'"'"'`) {
		t.Fatalf("single quote not escaped: %q", quoted)
	}
}
