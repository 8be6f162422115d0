package main

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// shellRunner is the narrow seam around OS account and daemon-control
// commands so provisioning can be faked in tests and swapped for another
// mechanism without touching callers.
type shellRunner interface {
	run(ctx context.Context, name string, args ...string) (string, error)
	runInput(ctx context.Context, input string, name string, args ...string) (string, error)
}

type execShell struct {
	timeout time.Duration
}

func (s *execShell) run(ctx context.Context, name string, args ...string) (string, error) {
	return s.runInput(ctx, "", name, args...)
}

func (s *execShell) runInput(ctx context.Context, input string, name string, args ...string) (string, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, name, args...)
	if input != "" {
		cmd.Stdin = strings.NewReader(input)
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("%s failed: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

type ftpAccount struct {
	Username string
	Password string
	HomeDir  string
	Host     string
	Port     int
}

// ftpProvisioner creates chrooted OS accounts and snapshots container
// filesystems into tenant homes. All mutations of shared host state (the
// allow-list, the daemon config, /etc/passwd via useradd) are serialized
// by one mutex; provisioning is rare relative to lifecycle traffic.
type ftpProvisioner struct {
	mu        sync.Mutex
	cfg       ftpConfig
	shell     shellRunner
	rt        containerRuntime
	workloads map[string]*workload
}

func newFTPProvisioner(cfg ftpConfig, shell shellRunner, rt containerRuntime, workloads map[string]*workload) *ftpProvisioner {
	return &ftpProvisioner{cfg: cfg, shell: shell, rt: rt, workloads: workloads}
}

// usernameFor derives the deterministic account name for a tenant: fixed
// prefix plus the first 12 alphanumerics of the lowercased tenant id.
func (p *ftpProvisioner) usernameFor(tenantID string) (string, error) {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(tenantID)) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
		if b.Len() >= 12 {
			break
		}
	}
	if b.Len() == 0 {
		return "", fmt.Errorf("tenant id %q has no usable characters", tenantID)
	}
	return p.cfg.usernamePrefix + b.String(), nil
}

func (p *ftpProvisioner) homeDir(username string) string {
	return filepath.Join(p.cfg.baseDir, username)
}

func (p *ftpProvisioner) accountExists(ctx context.Context, username string) bool {
	_, err := p.shell.run(ctx, "id", "-u", username)
	return err == nil
}

// createAccount is idempotent: a tenant that already has an account gets
// its existing identity back, with no password (plaintext is only ever
// returned once, at creation or rotation).
func (p *ftpProvisioner) createAccount(ctx context.Context, tenantID string) (ftpAccount, error) {
	username, err := p.usernameFor(tenantID)
	if err != nil {
		return ftpAccount{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	home := p.homeDir(username)
	if p.accountExists(ctx, username) {
		return ftpAccount{Username: username, HomeDir: home, Host: p.cfg.host, Port: p.cfg.port}, nil
	}

	for _, sub := range []string{"servers", "backups", "shared"} {
		if err := os.MkdirAll(filepath.Join(home, sub), 0o755); err != nil {
			return ftpAccount{}, fmt.Errorf("home tree setup failed: %w", err)
		}
	}

	if _, err := p.shell.run(ctx, "useradd",
		"--home-dir", home,
		"--shell", "/usr/sbin/nologin",
		"--no-create-home",
		username); err != nil {
		return ftpAccount{}, fmt.Errorf("account creation failed: %w", err)
	}

	password, err := randomID(9)
	if err != nil {
		return ftpAccount{}, err
	}
	if _, err := p.shell.runInput(ctx, username+":"+password+"\n", "chpasswd"); err != nil {
		return ftpAccount{}, fmt.Errorf("password set failed: %w", err)
	}

	if _, err := p.shell.run(ctx, "chown", "-R", username+":"+username, home); err != nil {
		return ftpAccount{}, fmt.Errorf("ownership fix failed: %w", err)
	}
	if _, err := p.shell.run(ctx, "chmod", "-R", "u+rwX,g+rX,o-rwx", home); err != nil {
		return ftpAccount{}, fmt.Errorf("permission fix failed: %w", err)
	}

	if err := appendUniqueLine(p.cfg.userListPath, username); err != nil {
		return ftpAccount{}, fmt.Errorf("allow-list update failed: %w", err)
	}
	if err := p.writeUserConf(username, home); err != nil {
		return ftpAccount{}, err
	}
	if err := p.restartDaemon(ctx); err != nil {
		return ftpAccount{}, err
	}

	return ftpAccount{
		Username: username,
		Password: password,
		HomeDir:  home,
		Host:     p.cfg.host,
		Port:     p.cfg.port,
	}, nil
}

// writeUserConf drops the per-user chroot directives the daemon reads at
// login time.
func (p *ftpProvisioner) writeUserConf(username, home string) error {
	if err := os.MkdirAll(p.cfg.userConfDir, 0o755); err != nil {
		return fmt.Errorf("user conf dir setup failed: %w", err)
	}
	conf := strings.Join([]string{
		"local_root=" + home,
		"chroot_local_user=YES",
		"allow_writeable_chroot=YES",
		"write_enable=YES",
	}, "\n") + "\n"
	if err := os.WriteFile(filepath.Join(p.cfg.userConfDir, username), []byte(conf), 0o644); err != nil {
		return fmt.Errorf("user conf write failed: %w", err)
	}
	return nil
}

func (p *ftpProvisioner) restartDaemon(ctx context.Context) error {
	if _, err := p.shell.run(ctx, "systemctl", "restart", p.cfg.daemonService); err != nil {
		return fmt.Errorf("%s restart failed: %w", p.cfg.daemonService, err)
	}
	return nil
}

// deleteAccount removes the allow-list entry, the OS account, and the home
// tree. Idempotent on already-gone state.
func (p *ftpProvisioner) deleteAccount(ctx context.Context, username string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := removeLine(p.cfg.userListPath, username); err != nil {
		return fmt.Errorf("allow-list update failed: %w", err)
	}
	_ = os.Remove(filepath.Join(p.cfg.userConfDir, username))

	if p.accountExists(ctx, username) {
		if _, err := p.shell.run(ctx, "userdel", username); err != nil {
			return fmt.Errorf("account removal failed: %w", err)
		}
	}
	if err := os.RemoveAll(p.homeDir(username)); err != nil {
		return fmt.Errorf("home removal failed: %w", err)
	}
	return p.restartDaemon(ctx)
}

// changePassword rotates the account password, generating one when the
// caller does not supply it. Directory contents are untouched.
func (p *ftpProvisioner) changePassword(ctx context.Context, username, newPassword string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.accountExists(ctx, username) {
		return "", fmt.Errorf("ftp account %s: %w", username, errNotFound)
	}
	password := newPassword
	if password == "" {
		generated, err := randomID(9)
		if err != nil {
			return "", err
		}
		password = generated
	}
	if _, err := p.shell.runInput(ctx, username+":"+password+"\n", "chpasswd"); err != nil {
		return "", fmt.Errorf("password set failed: %w", err)
	}
	return password, nil
}

// cleanupIfNoServers deletes the tenant account only when the caller
// reports zero remaining servers. The count is the caller's to supply;
// this component never discovers it on its own.
func (p *ftpProvisioner) cleanupIfNoServers(ctx context.Context, tenantID string, remaining int) (bool, error) {
	if remaining != 0 {
		return false, nil
	}
	username, err := p.usernameFor(tenantID)
	if err != nil {
		return false, err
	}
	if err := p.deleteAccount(ctx, username); err != nil {
		return false, err
	}
	return true, nil
}

// linkServer exports the container filesystem into a staging area, copies
// the workload's allow-listed subset into servers/<host_port> inside the
// tenant home, and seeds placeholders when nothing matched. Point-in-time
// copy, not a live mount: re-run it to pick up later changes.
func (p *ftpProvisioner) linkServer(ctx context.Context, containerID, username, serverName, host string, port int) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	home := p.homeDir(username)
	if _, err := os.Stat(home); err != nil {
		return "", fmt.Errorf("ftp home for %s missing: %w", username, err)
	}

	inspect, err := p.rt.inspectContainer(ctx, containerID)
	if err != nil {
		return "", err
	}
	workloadType := workloadTypeOf(inspect.Name, inspect.Labels)
	w := p.workloads[workloadType]

	folder := strings.ReplaceAll(host, ".", "-") + "_" + fmt.Sprintf("%d", port)
	target := filepath.Join(home, "servers", folder)
	if err := os.MkdirAll(target, 0o755); err != nil {
		return "", fmt.Errorf("target dir setup failed: %w", err)
	}

	staging, err := os.MkdirTemp("", "gc-export-")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(staging)

	export, err := p.rt.exportContainer(ctx, containerID)
	if err != nil {
		return "", fmt.Errorf("container export failed: %w", err)
	}
	defer export.Close()
	if err := extractTar(export, staging); err != nil {
		return "", fmt.Errorf("export extract failed: %w", err)
	}

	copied := 0
	if w != nil {
		for _, rel := range w.SnapshotPaths {
			src := filepath.Join(staging, filepath.FromSlash(rel))
			if _, err := os.Stat(src); err != nil {
				continue
			}
			n, err := copyTree(src, filepath.Join(target, filepath.Base(rel)))
			if err != nil {
				return "", fmt.Errorf("snapshot copy failed: %w", err)
			}
			copied += n
		}
	}
	if copied == 0 {
		placeholders := map[string]string{"README.txt": "Server files will appear here after the next sync.\n"}
		if w != nil && len(w.Placeholders) > 0 {
			placeholders = w.Placeholders
		}
		for name, content := range placeholders {
			if err := os.WriteFile(filepath.Join(target, name), []byte(content), 0o644); err != nil {
				return "", fmt.Errorf("placeholder seed failed: %w", err)
			}
		}
		log.Printf("gamecontrold: ftp link for %s found no snapshot files, seeded placeholders", shortID(containerID))
	}

	if _, err := p.shell.run(ctx, "chown", "-R", username+":"+username, target); err != nil {
		return "", fmt.Errorf("ownership fix failed: %w", err)
	}
	if _, err := p.shell.run(ctx, "chmod", "-R", "u+rwX,g+rX,o-rwx", target); err != nil {
		return "", fmt.Errorf("permission fix failed: %w", err)
	}

	return "/servers/" + folder, nil
}

// extractTar unpacks a container export into root, refusing entries that
// would escape it. Symlinks and devices are skipped: the snapshot only
// serves file transfer, not execution.
func extractTar(r io.Reader, root string) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		name := filepath.Clean(filepath.FromSlash(hdr.Name))
		if name == "." || strings.HasPrefix(name, "..") {
			continue
		}
		dest := filepath.Join(root, name)
		if !strings.HasPrefix(dest, filepath.Clean(root)+string(os.PathSeparator)) {
			continue
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				_ = f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
		}
	}
}

// copyTree copies src (file or directory) to dst and returns the number of
// regular files written.
func copyTree(src, dst string) (int, error) {
	info, err := os.Stat(src)
	if err != nil {
		return 0, err
	}
	if !info.IsDir() {
		if err := copyFile(src, dst); err != nil {
			return 0, err
		}
		return 1, nil
	}
	copied := 0
	err = filepath.WalkDir(src, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		out := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(out, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if err := copyFile(path, out); err != nil {
			return err
		}
		copied++
		return nil
	})
	return copied, err
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func appendUniqueLine(filePath, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return err
	}
	data, err := os.ReadFile(filePath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	for _, existing := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(existing) == line {
			return nil
		}
	}
	content := strings.TrimRight(string(data), "\n")
	if content == "" {
		content = line + "\n"
	} else {
		content = content + "\n" + line + "\n"
	}
	return os.WriteFile(filePath, []byte(content), 0o644)
}

func removeLine(filePath, line string) error {
	line = strings.TrimSpace(line)
	data, err := os.ReadFile(filePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	kept := make([]string, 0)
	for _, existing := range strings.Split(strings.TrimRight(string(data), "\n"), "\n") {
		if strings.TrimSpace(existing) == line {
			continue
		}
		kept = append(kept, existing)
	}
	content := strings.Join(kept, "\n")
	if content != "" {
		content += "\n"
	}
	return os.WriteFile(filePath, []byte(content), 0o644)
}
