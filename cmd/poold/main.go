package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"proxysupervisor/internal/app"
	"proxysupervisor/internal/config"
	"proxysupervisor/internal/logging"
	"proxysupervisor/internal/provisioner"
)

func main() {
	configDir := flag.String("configdir", "configs", "path to config directory (pool.ini, bad_connections.db)")
	addr := flag.String("addr", ":8080", "HTTP listen address")
	provKind := flag.String("provisioner", "fake", "worker provisioner backend: fake|containerd")
	containerdSocket := flag.String("containerd-socket", "/run/containerd/containerd.sock", "containerd socket path (containerd provisioner only)")
	image := flag.String("image", "", "VPN-backed proxy image (containerd provisioner only)")
	echoURL := flag.String("echo-url", "https://api.ipify.org?format=json", "IP-echo service used to validate egress")
	flag.Parse()

	iniPath := filepath.Join(*configDir, "pool.ini")
	cfg, err := config.Load(iniPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: failed to load config %q: %v\n", iniPath, err)
		os.Exit(1)
	}

	if err := logging.Init(cfg.Log.Level); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	var prov provisioner.Provisioner
	switch *provKind {
	case "containerd":
		prov = provisioner.NewContainerdProvisioner(provisioner.ContainerdConfig{
			SocketPath:     *containerdSocket,
			Image:          *image,
			PortMin:        cfg.Pool.PortMin,
			PortMax:        cfg.Pool.PortMax,
			HealthTimeout:  cfg.Pool.HealthTimeout(),
			RequestTimeout: cfg.Pool.RequestTimeout(),
			EchoServiceURL: *echoURL,
		})
	case "fake":
		prov = provisioner.NewFake()
	default:
		logging.Fatal().Str("provisioner", *provKind).Msg("unknown provisioner backend")
	}

	blocklist := config.NewBlocklist(filepath.Join(*configDir, "bad_connections.db"))

	srv := app.New(cfg, prov, blocklist, *addr)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := srv.Run(ctx); err != nil {
		logging.Fatal().Err(err).Msg("server exited with error")
	}
}
