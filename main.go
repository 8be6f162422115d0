package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

var version = "dev"

func main() {
	cfg, printVersion, err := initConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}
	if printVersion {
		fmt.Println(version)
		return
	}

	rt, err := newDockerRuntime(cfg.runtimeTimeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "runtime init failed: %v\n", err)
		os.Exit(1)
	}

	ports := newPortAllocator(cfg.workloads)
	bootCtx, bootCancel := context.WithTimeout(context.Background(), cfg.runtimeTimeout)
	if err := ports.reconcile(bootCtx, rt); err != nil {
		bootCancel()
		fmt.Fprintf(os.Stderr, "port reconcile failed: %v\n", err)
		os.Exit(1)
	}
	bootCancel()

	shell := &execShell{timeout: 30 * time.Second}
	ftp := newFTPProvisioner(cfg.ftp, shell, rt, cfg.workloads)

	d := &daemon{
		cfg:   cfg,
		rt:    rt,
		ports: ports,
		ftp:   ftp,
	}

	server := &http.Server{
		Addr:              cfg.listenAddr,
		Handler:           newRouter(d),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("gamecontrold: %s listening on %s", version, cfg.listenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("gamecontrold: server error: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Printf("gamecontrold: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("gamecontrold: shutdown incomplete: %v", err)
	}
}
