package main

import (
	"bufio"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

func handleServerInspect(w http.ResponseWriter, r *http.Request, d *daemon, id string) {
	inspect, err := d.rt.inspectContainer(r.Context(), id)
	if err != nil {
		writeRuntimeError(w, err)
		return
	}
	ports := map[string]int{}
	for containerPort, hostPort := range inspect.Ports {
		ports[strconv.Itoa(containerPort)] = hostPort
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  inspect.State,
		"created": inspect.Created.Format(time.RFC3339),
		"started": inspect.StartedAt.Format(time.RFC3339),
		"memory":  inspect.MemoryLimit,
		"ports":   ports,
	})
}

// handleServerStatus is the download-progress view: for a download-phase
// container it parses steamcmd output into a percentage; a clean exit
// means the install finished and the server is ready for its first start.
func handleServerStatus(w http.ResponseWriter, r *http.Request, d *daemon, id string) {
	inspect, err := d.rt.inspectContainer(r.Context(), id)
	if err != nil {
		writeRuntimeError(w, err)
		return
	}
	if !isDownloadPhase(inspect.Name, inspect.Labels) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"phase":   phaseGame,
			"percent": 100,
			"ready":   true,
			"status":  inspect.State,
			"running": inspect.Running,
		})
		return
	}

	percent := 0.0
	ready := false
	logs, err := d.rt.containerLogs(r.Context(), id, 200, false)
	if err == nil {
		percent, ready = parseDownloadProgress(logs)
	}
	if !inspect.Running && inspect.ExitCode == 0 {
		percent, ready = 100, true
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"phase":   phaseDownload,
		"percent": percent,
		"ready":   ready,
		"status":  inspect.State,
		"running": inspect.Running,
	})
}

func handleServerStats(w http.ResponseWriter, r *http.Request, d *daemon, id string) {
	sample, err := d.rt.containerStats(r.Context(), id)
	if err != nil {
		writeRuntimeError(w, err)
		return
	}
	uptime := "not running"
	if sample.Running && !sample.StartedAt.IsZero() {
		uptime = time.Since(sample.StartedAt).Truncate(time.Second).String()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"running":     sample.Running,
		"cpuUsage":    sample.CPUPercent,
		"memoryUsed":  sample.MemoryUsed,
		"memoryTotal": sample.MemoryLimit,
		"uptime":      uptime,
	})
}

func handleServerLogs(w http.ResponseWriter, r *http.Request, d *daemon, id string) {
	tail := 100
	if rawTail := r.URL.Query().Get("tail"); rawTail != "" {
		if n, err := strconv.Atoi(rawTail); err == nil && n > 0 {
			tail = n
		}
	}
	raw := r.URL.Query().Get("raw") == "true"

	inspect, err := d.rt.inspectContainer(r.Context(), id)
	if err != nil {
		writeRuntimeError(w, err)
		return
	}
	logs, err := d.rt.containerLogs(r.Context(), id, tail, true)
	if err != nil {
		writeRuntimeError(w, err)
		return
	}
	logs = lastLines(logs, tail)

	if !raw && !isDownloadPhase(inspect.Name, inspect.Labels) {
		if wl, ok := d.cfg.workloads[workloadTypeOf(inspect.Name, inspect.Labels)]; ok {
			logs = filterLogLines(logs, wl)
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"logs":        logs,
		"containerId": id,
	})
}

// handleServerConsole streams sanitized log lines as server-sent events,
// one JSON frame per line. The follow-read is torn down as soon as the
// client disconnects; a read error becomes one terminal error frame.
func handleServerConsole(w http.ResponseWriter, r *http.Request, d *daemon, id string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	rc, err := d.rt.followLogs(r.Context(), id)
	if err != nil {
		writeRuntimeError(w, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeFrame := func(frame string) {
		_, _ = w.Write([]byte("data: " + frame + "\n\n"))
		flusher.Flush()
	}
	writeFrame(logFrame("connected", "console attached"))

	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		select {
		case <-r.Context().Done():
			return
		default:
		}
		writeFrame(logFrame("log", sanitizeLogLine(scanner.Text())))
	}
	if err := scanner.Err(); err != nil && r.Context().Err() == nil {
		writeFrame(logFrame("error", sanitizeLogLine(err.Error())))
	}
}

var consoleUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The dashboard fronts this daemon; the shared API key already gated
	// the request before the upgrade.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleServerConsoleWS carries the same console frames over a websocket
// for dashboard clients that prefer a bidirectional transport.
func handleServerConsoleWS(w http.ResponseWriter, r *http.Request, d *daemon, id string) {
	rc, err := d.rt.followLogs(r.Context(), id)
	if err != nil {
		writeRuntimeError(w, err)
		return
	}

	conn, err := consoleUpgrader.Upgrade(w, r, nil)
	if err != nil {
		rc.Close()
		return
	}
	defer conn.Close()
	defer rc.Close()

	// Closed when the handler returns; the pump selects on it so a send
	// in flight cannot strand the goroutine after a client disconnect.
	done := make(chan struct{})
	defer close(done)

	// Reader pump only exists to notice the peer going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(frame string) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteMessage(websocket.TextMessage, []byte(frame)) == nil
	}
	if !send(logFrame("connected", "console attached")) {
		return
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(rc)
		scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-done:
				return
			}
		}
		if err := scanner.Err(); err != nil {
			log.Printf("gamecontrold: console ws read ended container=%s err=%v", shortID(id), err)
		}
	}()

	for {
		select {
		case <-closed:
			return
		case line, ok := <-lines:
			if !ok {
				_ = send(logFrame("error", "log stream ended"))
				return
			}
			if !send(logFrame("log", sanitizeLogLine(line))) {
				return
			}
		}
	}
}

// handleServerCommand routes console-looking commands through the ranked
// dispatch strategies and everything else through a plain shell exec
// inside the container. Responses are advisory for console commands.
func handleServerCommand(w http.ResponseWriter, r *http.Request, d *daemon, id string) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Command) == "" {
		writeError(w, http.StatusBadRequest, "missing command")
		return
	}

	inspect, err := d.rt.inspectContainer(r.Context(), id)
	if err != nil {
		writeRuntimeError(w, err)
		return
	}

	output := ""
	wl := d.cfg.workloads[workloadTypeOf(inspect.Name, inspect.Labels)]
	if wl != nil && isConsoleCommand(wl, req.Command) {
		res := dispatchConsoleCommand(r.Context(), d.rt, id, wl, req.Command, d.cfg.dispatchWait)
		output = res.Output
	} else {
		out, err := d.rt.execCapture(r.Context(), id, []string{"sh", "-c", req.Command}, d.cfg.dispatchWait)
		if err != nil {
			out = strings.TrimSpace(out + "\n" + err.Error())
		}
		output = out
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"output":      output,
		"command":     req.Command,
		"containerId": id,
	})
}
