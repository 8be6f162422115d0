package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
)

func handleServerCreate(w http.ResponseWriter, r *http.Request, d *daemon) {
	var req createServerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	wl, ok := d.cfg.workloads[strings.ToLower(strings.TrimSpace(req.WorkloadType))]
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown workload type %q", req.WorkloadType))
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "missing server name")
		return
	}

	port, rconPort, err := d.ports.allocate(wl.Type)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var spec launchSpec
	if wl.TwoPhase {
		spec = buildDownloadSpec(wl, req.Name, req.Config, req.ServerID, port, rconPort)
	} else {
		spec = buildLaunchSpec(wl, req.Name, req.Config, req.ServerID, port, rconPort)
	}

	containerID, err := d.rt.createContainer(r.Context(), spec)
	if err != nil {
		// Nothing was accepted by the runtime: roll the claim back.
		d.ports.release(port)
		d.ports.release(rconPort)
		writeError(w, http.StatusInternalServerError, "container create failed: "+err.Error())
		return
	}

	status := "created"
	if wl.TwoPhase {
		// The download container must run to fetch the game binaries; it
		// self-exits when the install completes.
		if err := d.rt.startContainer(r.Context(), containerID); err != nil {
			log.Printf("gamecontrold: download start failed container=%s err=%v", shortID(containerID), err)
		} else {
			status = "downloading"
		}
	}

	resp := createServerResponse{
		ContainerID: containerID,
		Port:        port,
		RconPort:    rconPort,
		Host:        d.cfg.publicHost,
		Status:      status,
	}

	// FTP provisioning is opportunistic: failures are logged and the
	// creation still succeeds without an ftp block.
	if strings.TrimSpace(req.TenantID) != "" && d.ftp != nil {
		account, err := d.ftp.createAccount(r.Context(), req.TenantID)
		if err != nil {
			log.Printf("gamecontrold: ftp account for tenant %s failed: %v", req.TenantID, err)
		} else {
			info := &ftpInfo{
				Username: account.Username,
				Password: account.Password,
				Host:     account.Host,
				Port:     account.Port,
			}
			path, err := d.ftp.linkServer(r.Context(), containerID, account.Username, req.Name, d.cfg.publicHost, port)
			if err != nil {
				log.Printf("gamecontrold: ftp link container=%s failed: %v", shortID(containerID), err)
			} else {
				info.Path = path
			}
			resp.FTP = info
		}
	}

	writeJSON(w, http.StatusCreated, resp)
}

func handleServerStart(w http.ResponseWriter, r *http.Request, d *daemon, id string) {
	inspect, err := d.rt.inspectContainer(r.Context(), id)
	if err != nil {
		writeRuntimeError(w, err)
		return
	}

	if isDownloadPhase(inspect.Name, inspect.Labels) {
		handleDownloadPhaseStart(w, r, d, inspect)
		return
	}

	if err := d.rt.startContainer(r.Context(), id); err != nil {
		writeRuntimeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "server started",
		"status":  "running",
	})
}

// handleDownloadPhaseStart performs the one-shot download-to-game
// transition: the download container self-exited when the install
// finished, so a fresh game container is created on the workload's fixed
// default ports and started. The original caller-supplied configuration is
// not carried over (documented limitation).
func handleDownloadPhaseStart(w http.ResponseWriter, r *http.Request, d *daemon, inspect inspectResult) {
	workloadType := workloadTypeOf(inspect.Name, inspect.Labels)
	wl, ok := d.cfg.workloads[workloadType]
	if !ok || !wl.TwoPhase {
		writeError(w, http.StatusInternalServerError, "container is not a managed download workload")
		return
	}

	name := strings.TrimPrefix(normalizeContainerName(inspect.Name), containerPrefix+wl.Type+downloadNameInfix)
	spec := buildGamePhaseSpec(wl, name, inspect.Labels[labelServerID])

	// Another game container may already hold the fixed ports; remember
	// only the claims this transition added so rollback cannot free a port
	// a live container owns.
	claimed := make([]int, 0, len(spec.Ports))
	for _, hostPort := range spec.Ports {
		if d.ports.claim(hostPort) {
			claimed = append(claimed, hostPort)
		}
	}
	rollback := func() {
		for _, p := range claimed {
			d.ports.release(p)
		}
	}

	gameID, err := d.rt.createContainer(r.Context(), spec)
	if err != nil {
		rollback()
		writeError(w, http.StatusInternalServerError, "game container create failed: "+err.Error())
		return
	}
	if err := d.rt.startContainer(r.Context(), gameID); err != nil {
		rollback()
		if rmErr := d.rt.removeContainer(r.Context(), gameID, true); rmErr != nil {
			log.Printf("gamecontrold: orphaned game container cleanup failed container=%s err=%v", shortID(gameID), rmErr)
		}
		writeRuntimeError(w, err)
		return
	}

	// The exhausted download container is gone after the switch; losing it
	// is fine, the game container owns the data volume now.
	if err := d.rt.removeContainer(r.Context(), inspect.ID, true); err != nil {
		log.Printf("gamecontrold: download container cleanup failed container=%s err=%v", shortID(inspect.ID), err)
	}
	// The download allocation hands over to the fixed game ports; whatever
	// it held beyond those goes back to the pool here, not at delete time.
	bound := map[int]struct{}{}
	for _, hostPort := range spec.Ports {
		bound[hostPort] = struct{}{}
	}
	for _, hostPort := range labeledPorts(inspect.Labels) {
		if _, keep := bound[hostPort]; !keep {
			d.ports.release(hostPort)
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":     "game server created and started",
		"status":      "running",
		"containerId": gameID,
		"port":        spec.Ports[wl.GamePort],
		"rconPort":    spec.Ports[wl.RconPort],
	})
}

func handleServerStop(w http.ResponseWriter, r *http.Request, d *daemon, id string) {
	if err := d.rt.stopContainer(r.Context(), id, d.cfg.stopGrace); err != nil {
		writeRuntimeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "server stopped",
		"status":  "stopped",
	})
}

func handleServerRestart(w http.ResponseWriter, r *http.Request, d *daemon, id string) {
	if err := d.rt.restartContainer(r.Context(), id, d.cfg.stopGrace); err != nil {
		writeRuntimeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "server restarted",
		"status":  "running",
	})
}

// handleServerUpdate pulls the latest image behind the container's
// reference and restarts it in place. Configuration and data survive only
// as far as the image and restart policy preserve them.
func handleServerUpdate(w http.ResponseWriter, r *http.Request, d *daemon, id string) {
	inspect, err := d.rt.inspectContainer(r.Context(), id)
	if err != nil {
		writeRuntimeError(w, err)
		return
	}
	if d.imageUpToDate(r.Context(), inspect.Image) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"message": "image already up to date",
			"status":  inspect.State,
			"note":    "no restart performed",
		})
		return
	}
	if err := d.rt.pullImage(r.Context(), inspect.Image); err != nil {
		writeError(w, http.StatusInternalServerError, "image pull failed: "+err.Error())
		return
	}
	if err := d.rt.restartContainer(r.Context(), id, d.cfg.stopGrace); err != nil {
		writeRuntimeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "server updated and restarted",
		"status":  "running",
		"note":    "world data is preserved; container-local changes outside mounted volumes are not",
	})
}

func handleServerDelete(w http.ResponseWriter, r *http.Request, d *daemon, id string) {
	var req deleteServerRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	inspect, err := d.rt.inspectContainer(r.Context(), id)
	if err != nil {
		writeRuntimeError(w, err)
		return
	}

	released := map[int]struct{}{}
	for _, hostPort := range inspect.Ports {
		d.ports.release(hostPort)
		released[hostPort] = struct{}{}
	}
	// Download containers carry their claim in a label, not in bindings.
	for _, hostPort := range labeledPorts(inspect.Labels) {
		if _, done := released[hostPort]; !done {
			d.ports.release(hostPort)
		}
	}

	if inspect.Running {
		if err := d.rt.stopContainer(r.Context(), id, d.cfg.stopGrace); err != nil && !errors.Is(err, errNotFound) {
			log.Printf("gamecontrold: stop before delete failed container=%s err=%v", shortID(id), err)
		}
	}
	if err := d.rt.removeContainer(r.Context(), id, true); err != nil {
		writeRuntimeError(w, err)
		return
	}

	// FTP cleanup is deliberately not inferred here; the dashboard calls
	// the explicit cleanup endpoint once it knows no servers remain.
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "server deleted",
	})
}

func writeRuntimeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errNotFound) {
		writeError(w, http.StatusNotFound, "container not found")
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}
