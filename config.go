package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type appConfig struct {
	listenAddr     string
	apiKey         string
	publicHost     string
	stopGrace      time.Duration
	runtimeTimeout time.Duration
	dispatchWait   time.Duration
	workloads      map[string]*workload
	ftp            ftpConfig
}

type ftpConfig struct {
	host           string
	port           int
	baseDir        string
	userListPath   string
	userConfDir    string
	daemonService  string
	usernamePrefix string
}

// workloadFile lets operators override port ranges and images per workload
// without rebuilding. The file only replaces what it names.
type workloadFile struct {
	Workloads []struct {
		Type      string `yaml:"type"`
		Image     string `yaml:"image"`
		PortStart int    `yaml:"port_start"`
		PortEnd   int    `yaml:"port_end"`
	} `yaml:"workloads"`
}

func initConfig() (appConfig, bool, error) {
	listenAddr := flag.String("listen", ":8443", "listen address")
	apiKey := flag.String("api-key", "", "shared API key (empty = $GAMECONTROL_API_KEY)")
	publicHost := flag.String("public-host", "127.0.0.1", "host address reported to callers for game and FTP connections")
	stopGrace := flag.Duration("stop-grace", 30*time.Second, "graceful stop period before the runtime kills a container")
	runtimeTimeout := flag.Duration("runtime-timeout", 60*time.Second, "per-call timeout for container runtime operations")
	dispatchWait := flag.Duration("dispatch-wait", 10*time.Second, "per-strategy timeout for console command delivery")
	workloadsFile := flag.String("workloads-file", "", "YAML file overriding workload images and port ranges")
	ftpHost := flag.String("ftp-host", "", "FTP host reported to tenants (default: public host)")
	ftpPort := flag.Int("ftp-port", 21, "FTP port reported to tenants")
	ftpBaseDir := flag.String("ftp-base-dir", "/home", "base directory for tenant FTP homes")
	ftpUserList := flag.String("ftp-user-list", "/etc/vsftpd.userlist", "vsftpd allow-list file")
	ftpUserConfDir := flag.String("ftp-user-conf-dir", "/etc/vsftpd_user_conf", "vsftpd per-user config directory")
	ftpService := flag.String("ftp-service", "vsftpd", "FTP daemon service name for restarts")
	printVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *printVersion {
		return appConfig{}, true, nil
	}

	key := strings.TrimSpace(*apiKey)
	if key == "" {
		key = strings.TrimSpace(os.Getenv("GAMECONTROL_API_KEY"))
	}
	if key == "" {
		return appConfig{}, false, fmt.Errorf("no API key configured (set -api-key or GAMECONTROL_API_KEY)")
	}

	workloads, err := loadWorkloads(*workloadsFile)
	if err != nil {
		return appConfig{}, false, err
	}

	host := strings.TrimSpace(*ftpHost)
	if host == "" {
		host = *publicHost
	}

	cfg := appConfig{
		listenAddr:     *listenAddr,
		apiKey:         key,
		publicHost:     *publicHost,
		stopGrace:      *stopGrace,
		runtimeTimeout: *runtimeTimeout,
		dispatchWait:   *dispatchWait,
		workloads:      workloads,
		ftp: ftpConfig{
			host:           host,
			port:           *ftpPort,
			baseDir:        *ftpBaseDir,
			userListPath:   *ftpUserList,
			userConfDir:    *ftpUserConfDir,
			daemonService:  *ftpService,
			usernamePrefix: "gc",
		},
	}
	return cfg, false, nil
}

// loadWorkloads starts from the built-in catalog and applies overrides from
// the YAML file, validating that no two port ranges overlap afterwards.
func loadWorkloads(path string) (map[string]*workload, error) {
	workloads := defaultWorkloads()
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("workloads file read failed: %w", err)
		}
		var file workloadFile
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("workloads file parse failed: %w", err)
		}
		for _, entry := range file.Workloads {
			w, ok := workloads[strings.ToLower(strings.TrimSpace(entry.Type))]
			if !ok {
				return nil, fmt.Errorf("unknown workload type %q in workloads file", entry.Type)
			}
			if strings.TrimSpace(entry.Image) != "" {
				w.Image = entry.Image
			}
			if entry.PortStart != 0 {
				w.Ports.Start = entry.PortStart
			}
			if entry.PortEnd != 0 {
				w.Ports.End = entry.PortEnd
			}
		}
	}
	if err := validatePortRanges(workloads); err != nil {
		return nil, err
	}
	return workloads, nil
}

func validatePortRanges(workloads map[string]*workload) error {
	type namedRange struct {
		name string
		r    portRange
	}
	ranges := make([]namedRange, 0, len(workloads))
	for name, w := range workloads {
		if w.Ports.Start <= 0 || w.Ports.End < w.Ports.Start {
			return fmt.Errorf("workload %s has invalid port range %d-%d", name, w.Ports.Start, w.Ports.End)
		}
		if w.Ports.End-w.Ports.Start >= rconPortOffset {
			return fmt.Errorf("workload %s port range wider than the rcon offset %d", name, rconPortOffset)
		}
		ranges = append(ranges, namedRange{name, w.Ports})
	}
	for i := 0; i < len(ranges); i++ {
		for j := i + 1; j < len(ranges); j++ {
			a, b := ranges[i], ranges[j]
			// The rcon band above each range must stay disjoint too.
			if a.r.Start <= b.r.End+rconPortOffset && b.r.Start <= a.r.End+rconPortOffset {
				return fmt.Errorf("port ranges for %s and %s overlap", a.name, b.name)
			}
		}
	}
	return nil
}
