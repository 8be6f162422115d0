package main

import (
	"encoding/json"
	"net/http"
	"strings"
)

func handleFTPUserCreate(w http.ResponseWriter, r *http.Request, d *daemon) {
	var req ftpCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.TenantID) == "" {
		writeError(w, http.StatusBadRequest, "missing tenantId")
		return
	}
	account, err := d.ftp.createAccount(r.Context(), req.TenantID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"username": account.Username,
		"password": account.Password,
		"homeDir":  account.HomeDir,
		"host":     account.Host,
		"port":     account.Port,
	})
}

func handleFTPUserStatus(w http.ResponseWriter, r *http.Request, d *daemon, username string) {
	exists := d.ftp.accountExists(r.Context(), username)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"username": username,
		"exists":   exists,
		"host":     d.cfg.ftp.host,
		"port":     d.cfg.ftp.port,
	})
}

func handleFTPUserPassword(w http.ResponseWriter, r *http.Request, d *daemon, username string) {
	var req ftpPasswordRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	password, err := d.ftp.changePassword(r.Context(), username, req.Password)
	if err != nil {
		writeRuntimeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"username": username,
		"password": password,
	})
}

func handleFTPUserDelete(w http.ResponseWriter, r *http.Request, d *daemon, username string) {
	if err := d.ftp.deleteAccount(r.Context(), username); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "ftp account deleted",
	})
}

func handleFTPCleanup(w http.ResponseWriter, r *http.Request, d *daemon) {
	var req ftpCleanupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.TenantID) == "" {
		writeError(w, http.StatusBadRequest, "missing tenantId")
		return
	}
	deleted, err := d.ftp.cleanupIfNoServers(r.Context(), req.TenantID, req.RemainingServers)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	message := "tenant still has servers, account kept"
	if deleted {
		message = "ftp account deleted"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"deleted": deleted,
		"message": message,
	})
}

func handleFTPLink(w http.ResponseWriter, r *http.Request, d *daemon) {
	var req ftpLinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if strings.TrimSpace(req.ContainerID) == "" || strings.TrimSpace(req.TenantID) == "" {
		writeError(w, http.StatusBadRequest, "missing containerId or tenantId")
		return
	}
	username, err := d.ftp.usernameFor(req.TenantID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	host := firstNonEmpty(req.ServerHost, d.cfg.publicHost)
	path, err := d.ftp.linkServer(r.Context(), req.ContainerID, username, req.ServerName, host, req.ServerPort)
	if err != nil {
		writeRuntimeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ftpPath": path,
	})
}
