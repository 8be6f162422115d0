package main

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const (
	workloadMinecraft = "minecraft"
	workloadRust      = "rust"
	workloadValheim   = "valheim"

	// Management (rcon) host port is always the game port plus this offset.
	rconPortOffset = 100

	containerPrefix   = "gc-"
	downloadNameInfix = "-dl-"

	labelManaged  = "gamecontrol.managed"
	labelWorkload = "gamecontrol.workload"
	labelPhase    = "gamecontrol.phase"
	labelServerID = "gamecontrol.server-id"
	labelPorts    = "gamecontrol.ports"

	phaseDownload = "download"
	phaseGame     = "game"
)

type portRange struct {
	Start int
	End   int
}

// workload describes one supported game-server kind: its image, port shape,
// console heuristics, and the file subset exposed over FTP snapshots.
type workload struct {
	Type          string
	Image         string
	DownloadImage string // two-phase workloads only
	Ports         portRange
	GamePort      int // container-side game port
	RconPort      int // container-side rcon port
	FixedHostPort int // two-phase game containers bind this host port
	TwoPhase      bool

	ConsolePrefixes []string
	ProcessPattern  string
	ConsolePipe     string
	LogMarkers      []string

	SnapshotPaths []string
	Placeholders  map[string]string
}

func defaultWorkloads() map[string]*workload {
	return map[string]*workload{
		workloadMinecraft: {
			Type:     workloadMinecraft,
			Image:    "itzg/minecraft-server:latest",
			Ports:    portRange{Start: 25565, End: 25660},
			GamePort: 25565,
			RconPort: 25575,
			ConsolePrefixes: []string{
				"say", "op", "deop", "kick", "ban", "ban-ip", "pardon",
				"whitelist", "gamemode", "give", "tp", "teleport", "time",
				"weather", "difficulty", "stop", "seed", "list", "kill",
			},
			ProcessPattern: "java",
			ConsolePipe:    "/tmp/minecraft-console",
			LogMarkers: []string{
				"[Server thread/", "[INFO]", "[WARN]", "[ERROR]",
				"Done (", "joined the game", "left the game",
			},
			SnapshotPaths: []string{
				"data/world", "data/server.properties", "data/ops.json",
				"data/whitelist.json", "data/banned-players.json", "data/logs",
			},
			Placeholders: map[string]string{
				"server.properties": "# server.properties placeholder, populated on next sync\n",
				"README.txt":        "Server files will appear here after the next sync.\n",
			},
		},
		workloadRust: {
			Type:     workloadRust,
			Image:    "didstopia/rust-server:latest",
			Ports:    portRange{Start: 28015, End: 28100},
			GamePort: 28015,
			RconPort: 28016,
			ConsolePrefixes: []string{
				"say", "kick", "ban", "banid", "unban", "status",
				"serverinfo", "server.save", "oxide", "mute", "unmute",
			},
			ProcessPattern: "RustDedicated",
			ConsolePipe:    "/tmp/rust-console",
			LogMarkers: []string{
				"[RCON]", "[Chat]", "SteamServer", "Server startup complete",
				"Saved ", "Connected", "Disconnected",
			},
			SnapshotPaths: []string{
				"steamcmd/rust/server", "steamcmd/rust/oxide",
			},
			Placeholders: map[string]string{
				"server.cfg": "# server.cfg placeholder, populated on next sync\n",
				"README.txt": "Server files will appear here after the next sync.\n",
			},
		},
		workloadValheim: {
			Type:          workloadValheim,
			Image:         "lloesche/valheim-server:latest",
			DownloadImage: "steamcmd/steamcmd:latest",
			Ports:         portRange{Start: 2456, End: 2550},
			GamePort:      2456,
			RconPort:      2457,
			FixedHostPort: 2456,
			TwoPhase:      true,
			ConsolePrefixes: []string{
				"save", "ban", "unban", "kick", "banned",
			},
			ProcessPattern: "valheim_server",
			ConsolePipe:    "/tmp/valheim-console",
			LogMarkers: []string{
				"Game server connected", "World saved", "Session ",
				"Player ", "ZDOID",
			},
			SnapshotPaths: []string{
				"config/worlds", "config/worlds_local", "config/adminlist.txt",
				"config/permittedlist.txt", "config/bannedlist.txt",
			},
			Placeholders: map[string]string{
				"adminlist.txt": "# one SteamID64 per line\n",
				"README.txt":    "World files will appear here after the next sync.\n",
			},
		},
	}
}

func slugifyName(raw string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(raw)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_' || r == ' ':
			b.WriteByte('-')
		}
	}
	slug := strings.Trim(b.String(), "-")
	if slug == "" {
		slug = "server"
	}
	if len(slug) > 40 {
		slug = slug[:40]
	}
	return slug
}

func containerName(workloadType, name string) string {
	return containerPrefix + workloadType + "-" + slugifyName(name)
}

func downloadContainerName(workloadType, name string) string {
	return containerPrefix + workloadType + downloadNameInfix + slugifyName(name)
}

// isDownloadPhase prefers the explicit phase label and falls back to the
// legacy naming convention for containers created by older daemons.
func isDownloadPhase(name string, labels map[string]string) bool {
	if phase, ok := labels[labelPhase]; ok {
		return phase == phaseDownload
	}
	return strings.Contains(normalizeContainerName(name), downloadNameInfix)
}

// workloadTypeOf recovers the workload type from labels or the container
// name. Deriving it from the name is a documented limitation kept for
// containers that predate the labels.
func workloadTypeOf(name string, labels map[string]string) string {
	if t, ok := labels[labelWorkload]; ok && t != "" {
		return t
	}
	trimmed := strings.TrimPrefix(normalizeContainerName(name), containerPrefix)
	for _, t := range []string{workloadMinecraft, workloadRust, workloadValheim} {
		if strings.HasPrefix(trimmed, t+"-") || trimmed == t {
			return t
		}
	}
	return ""
}

func normalizeContainerName(raw string) string {
	return strings.TrimPrefix(strings.TrimSpace(raw), "/")
}

func baseLabels(w *workload, serverID, phase string, ports []int) map[string]string {
	labels := map[string]string{
		labelManaged:  "true",
		labelWorkload: w.Type,
		labelPhase:    phase,
	}
	if serverID != "" {
		labels[labelServerID] = serverID
	}
	if len(ports) > 0 {
		parts := make([]string, 0, len(ports))
		for _, p := range ports {
			parts = append(parts, strconv.Itoa(p))
		}
		labels[labelPorts] = strings.Join(parts, ",")
	}
	return labels
}

// labeledPorts parses the host ports a container claimed at create time.
// Download containers have no bindings, so the label is the only record.
func labeledPorts(labels map[string]string) []int {
	raw, ok := labels[labelPorts]
	if !ok || raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		if n, err := strconv.Atoi(strings.TrimSpace(p)); err == nil && n > 0 {
			out = append(out, n)
		}
	}
	return out
}

// buildLaunchSpec assembles the long-running service container for a
// workload: full port bindings, resource limits, and an always-restart
// policy so the game survives crashes until explicitly stopped.
func buildLaunchSpec(w *workload, name string, cfg serverConfig, serverID string, port, rconPort int) launchSpec {
	env := []string{}
	switch w.Type {
	case workloadMinecraft:
		env = append(env,
			"EULA=TRUE",
			"TYPE=VANILLA",
			"ENABLE_RCON=true",
			fmt.Sprintf("MEMORY=%dM", memoryMBOrDefault(cfg, 2048)),
		)
		if cfg.Version != "" {
			env = append(env, "VERSION="+cfg.Version)
		}
		if cfg.MaxUsers > 0 {
			env = append(env, fmt.Sprintf("MAX_PLAYERS=%d", cfg.MaxUsers))
		}
	case workloadRust:
		env = append(env,
			"RUST_SERVER_NAME="+name,
			fmt.Sprintf("RUST_SERVER_PORT=%d", w.GamePort),
			fmt.Sprintf("RUST_RCON_PORT=%d", w.RconPort),
		)
		if cfg.World != "" {
			env = append(env, "RUST_SERVER_WORLDSIZE="+cfg.World)
		}
		if cfg.MaxUsers > 0 {
			env = append(env, fmt.Sprintf("RUST_SERVER_MAXPLAYERS=%d", cfg.MaxUsers))
		}
	case workloadValheim:
		env = append(env,
			"SERVER_NAME="+name,
			fmt.Sprintf("SERVER_PORT=%d", w.GamePort),
			"SERVER_PUBLIC=false",
		)
		if cfg.World != "" {
			env = append(env, "WORLD_NAME="+cfg.World)
		}
	}
	for k, v := range cfg.Env {
		env = append(env, k+"="+v)
	}

	return launchSpec{
		Name:  containerName(w.Type, name),
		Image: w.Image,
		Env:   env,
		Labels: baseLabels(w, serverID, phaseGame, []int{
			port, rconPort,
		}),
		Ports: map[int]int{
			w.GamePort: port,
			w.RconPort: rconPort,
		},
		MemoryBytes:   int64(memoryMBOrDefault(cfg, 2048)) * 1024 * 1024,
		NanoCPUs:      nanoCPUs(cfg.CPUs),
		RestartAlways: true,
		OpenStdin:     true,
		Tty:           true,
	}
}

// buildDownloadSpec assembles the download-only container for a two-phase
// workload: no exposed ports, no restart policy, the command self-exits
// once steamcmd finishes installing the server binaries.
func buildDownloadSpec(w *workload, name string, cfg serverConfig, serverID string, port, rconPort int) launchSpec {
	return launchSpec{
		Name:  downloadContainerName(w.Type, name),
		Image: w.DownloadImage,
		Cmd: []string{
			"+force_install_dir", "/data",
			"+login", "anonymous",
			"+app_update", "896660", "validate",
			"+quit",
		},
		Env:         []string{},
		Labels:      baseLabels(w, serverID, phaseDownload, []int{port, rconPort}),
		MemoryBytes: int64(memoryMBOrDefault(cfg, 1024)) * 1024 * 1024,
		NanoCPUs:    nanoCPUs(cfg.CPUs),
	}
}

// buildGamePhaseSpec assembles the serving container created on first start
// of a two-phase workload. The original caller configuration is not
// retained across the phase switch, so defaults and fixed host ports are
// used (documented limitation).
func buildGamePhaseSpec(w *workload, name, serverID string) launchSpec {
	spec := buildLaunchSpec(w, name, serverConfig{}, serverID, w.FixedHostPort, w.FixedHostPort+rconPortOffset)
	return spec
}

func memoryMBOrDefault(cfg serverConfig, def int) int {
	if cfg.MemoryMB > 0 {
		return cfg.MemoryMB
	}
	return def
}

func nanoCPUs(cpus float64) int64 {
	if cpus <= 0 {
		return 0
	}
	return int64(cpus * 1e9)
}

// isConsoleCommand reports whether the command text looks like workload
// console syntax rather than a generic shell command. Prefix heuristic
// only; unknown admin commands fall through to plain exec.
func isConsoleCommand(w *workload, command string) bool {
	fields := strings.Fields(strings.TrimSpace(command))
	if len(fields) == 0 {
		return false
	}
	head := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	for _, prefix := range w.ConsolePrefixes {
		if head == prefix {
			return true
		}
	}
	return false
}

var steamProgressPattern = regexp.MustCompile(`progress:\s*([0-9]+(?:\.[0-9]+)?)`)

// parseDownloadProgress extracts the best-known completion percentage and
// readiness from steamcmd output. "fully installed" wins over any
// percentage seen earlier.
func parseDownloadProgress(logs string) (float64, bool) {
	if strings.Contains(logs, "fully installed") || strings.Contains(logs, "Success! App") {
		return 100, true
	}
	percent := 0.0
	for _, match := range steamProgressPattern.FindAllStringSubmatch(logs, -1) {
		if v, err := strconv.ParseFloat(match[1], 64); err == nil && v > percent {
			percent = v
		}
	}
	return percent, false
}
