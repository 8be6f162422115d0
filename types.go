package main

import (
	"time"
)

// serverConfig is the caller-supplied tuning block for a new server. Every
// field is optional; workload builders fill in their own defaults.
type serverConfig struct {
	MemoryMB int               `json:"memoryMb"`
	CPUs     float64           `json:"cpus"`
	Version  string            `json:"version"`
	Env      map[string]string `json:"env"`
	World    string            `json:"world"`
	MaxUsers int               `json:"maxUsers"`
}

type createServerRequest struct {
	WorkloadType string       `json:"workloadType"`
	Name         string       `json:"name"`
	Config       serverConfig `json:"config"`
	ServerID     string       `json:"serverId"`
	TenantID     string       `json:"tenantId"`
}

type createServerResponse struct {
	ContainerID string   `json:"containerId"`
	Port        int      `json:"port"`
	RconPort    int      `json:"rconPort"`
	Host        string   `json:"host"`
	Status      string   `json:"status"`
	FTP         *ftpInfo `json:"ftp,omitempty"`
}

type ftpInfo struct {
	Username string `json:"username"`
	Password string `json:"password,omitempty"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Path     string `json:"path,omitempty"`
}

type deleteServerRequest struct {
	TenantID string `json:"tenantId"`
}

type commandRequest struct {
	Command string `json:"command"`
}

type ftpCreateRequest struct {
	TenantID string `json:"tenantId"`
}

type ftpPasswordRequest struct {
	Password string `json:"password"`
}

type ftpCleanupRequest struct {
	TenantID         string `json:"tenantId"`
	RemainingServers int    `json:"remainingServers"`
}

type ftpLinkRequest struct {
	ContainerID string `json:"containerId"`
	TenantID    string `json:"tenantId"`
	ServerName  string `json:"serverName"`
	ServerHost  string `json:"serverHost"`
	ServerPort  int    `json:"serverPort"`
}

type errorResponse struct {
	Message string `json:"message"`
}

// launchSpec is the runtime-neutral description of a container to create.
// It is produced by the workload builders and consumed by containerRuntime.
type launchSpec struct {
	Name          string
	Image         string
	Cmd           []string
	Env           []string
	Labels        map[string]string
	Ports         map[int]int // container port -> host port
	MemoryBytes   int64
	NanoCPUs      int64
	RestartAlways bool
	OpenStdin     bool
	Tty           bool
}

// runtimeContainer is one entry from a runtime list call.
type runtimeContainer struct {
	ID        string
	Name      string
	Image     string
	State     string
	Labels    map[string]string
	HostPorts []int
}

// inspectResult is the runtime-neutral view of a single container.
type inspectResult struct {
	ID          string
	Name        string
	Image       string
	State       string
	Running     bool
	Tty         bool
	ExitCode    int
	Created     time.Time
	StartedAt   time.Time
	FinishedAt  time.Time
	Labels      map[string]string
	MemoryLimit int64
	NanoCPUs    int64
	Ports       map[int]int // container port -> host port
}

// statsSample is a single point-in-time resource reading.
type statsSample struct {
	Running     bool
	CPUPercent  float64
	MemoryUsed  int64
	MemoryLimit int64
	StartedAt   time.Time
}

// hostInfo summarizes the runtime host for the status endpoint.
type hostInfo struct {
	Containers        int
	ContainersRunning int
	MemTotal          int64
	NCPU              int
	ServerVersion     string
}
