package main

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"
)

// daemon carries the shared collaborators every handler needs.
type daemon struct {
	cfg   appConfig
	rt    containerRuntime
	ports *portAllocator
	ftp   *ftpProvisioner

	// resolveDigest overrides remote registry lookups in tests.
	resolveDigest func(ctx context.Context, ref string) (string, error)
}

func newRouter(d *daemon) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":    "ok",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	})

	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		info, err := d.rt.info(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "runtime unavailable: "+err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":            "ok",
			"containers":        info.Containers,
			"containersRunning": info.ContainersRunning,
			"memory":            info.MemTotal,
			"cpus":              info.NCPU,
			"runtimeVersion":    info.ServerVersion,
			"claimedPorts":      d.ports.claimedCount(),
			"timestamp":         time.Now().UTC().Format(time.RFC3339),
		})
	})

	mux.HandleFunc("/api/servers", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		handleServerCreate(w, r, d)
	})

	mux.HandleFunc("/api/servers/", func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/api/servers/")
		parts := strings.Split(path, "/")
		if len(parts) < 1 || strings.TrimSpace(parts[0]) == "" {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		id := parts[0]
		action := ""
		if len(parts) > 1 {
			action = parts[1]
		}
		switch action {
		case "":
			switch r.Method {
			case http.MethodGet:
				handleServerInspect(w, r, d, id)
			case http.MethodDelete:
				handleServerDelete(w, r, d, id)
			default:
				writeError(w, http.StatusNotFound, "not found")
			}
		case "start":
			requirePost(w, r, func() { handleServerStart(w, r, d, id) })
		case "stop":
			requirePost(w, r, func() { handleServerStop(w, r, d, id) })
		case "restart":
			requirePost(w, r, func() { handleServerRestart(w, r, d, id) })
		case "update":
			requirePost(w, r, func() { handleServerUpdate(w, r, d, id) })
		case "command":
			requirePost(w, r, func() { handleServerCommand(w, r, d, id) })
		case "status":
			requireGet(w, r, func() { handleServerStatus(w, r, d, id) })
		case "stats":
			requireGet(w, r, func() { handleServerStats(w, r, d, id) })
		case "logs":
			requireGet(w, r, func() { handleServerLogs(w, r, d, id) })
		case "console":
			if len(parts) > 2 && parts[2] == "ws" {
				requireGet(w, r, func() { handleServerConsoleWS(w, r, d, id) })
				return
			}
			requireGet(w, r, func() { handleServerConsole(w, r, d, id) })
		default:
			writeError(w, http.StatusNotFound, "not found")
		}
	})

	mux.HandleFunc("/api/ftp/users", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		handleFTPUserCreate(w, r, d)
	})

	mux.HandleFunc("/api/ftp/users/", func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/api/ftp/users/")
		parts := strings.Split(path, "/")
		if len(parts) < 1 || strings.TrimSpace(parts[0]) == "" {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		if parts[0] == "cleanup" {
			requirePost(w, r, func() { handleFTPCleanup(w, r, d) })
			return
		}
		username := parts[0]
		action := ""
		if len(parts) > 1 {
			action = parts[1]
		}
		switch action {
		case "":
			switch r.Method {
			case http.MethodGet:
				handleFTPUserStatus(w, r, d, username)
			case http.MethodDelete:
				handleFTPUserDelete(w, r, d, username)
			default:
				writeError(w, http.StatusNotFound, "not found")
			}
		case "password":
			if r.Method != http.MethodPut {
				writeError(w, http.StatusNotFound, "not found")
				return
			}
			handleFTPUserPassword(w, r, d, username)
		default:
			writeError(w, http.StatusNotFound, "not found")
		}
	})

	mux.HandleFunc("/api/ftp/link", func(w http.ResponseWriter, r *http.Request) {
		requirePost(w, r, func() { handleFTPLink(w, r, d) })
	})

	return requireAPIKey(traceHTTP(mux), d.cfg.apiKey)
}

// Method mismatches answer 404 rather than 405: the API is not
// discoverable by design, so a wrong verb gets the same answer as a wrong
// path.
func requirePost(w http.ResponseWriter, r *http.Request, next func()) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	next()
}

func requireGet(w http.ResponseWriter, r *http.Request, next func()) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	next()
}

// requireAPIKey gates every route except the health check behind the
// shared secret header, compared in constant time.
func requireAPIKey(next http.Handler, key string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		supplied := r.Header.Get("x-api-key")
		if supplied == "" || subtle.ConstantTimeCompare([]byte(supplied), []byte(key)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid or missing api key")
			return
		}
		next.ServeHTTP(w, r)
	})
}
