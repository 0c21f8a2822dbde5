package provisioner

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/google/uuid"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"proxysupervisor/internal/logging"
)

// Namespace is the containerd namespace every pool worker is created in,
// mirroring the single-namespace convention the teacher's container runtime
// wrapper uses for its own managed workloads.
const Namespace = "proxysupervisor"

// ContainerdConfig configures the production Provisioner.
type ContainerdConfig struct {
	SocketPath     string
	Image          string // VPN-backed proxy image, e.g. "registry/vpn-proxy:latest"
	PortMin        int
	PortMax        int
	HealthTimeout  time.Duration
	RequestTimeout time.Duration
	EchoServiceURL string // known IP-echo endpoint, e.g. "https://api.ipify.org?format=json"
}

// ContainerdProvisioner drives a local containerd daemon to realize proxy
// workers. Every exported method constructs its own short-lived containerd
// client (§5: "each Provisioner call constructs a fresh adapter instance to
// avoid shared mutable state"), grounded on the teacher corpus's own
// containerd runtime wrapper.
type ContainerdProvisioner struct {
	cfg ContainerdConfig

	mu        sync.Mutex
	usedPorts map[int]bool
	ports     map[string]int // worker name -> allocated proxy port, for restart/delete
}

// NewContainerdProvisioner returns a ready-to-use production Provisioner.
func NewContainerdProvisioner(cfg ContainerdConfig) *ContainerdProvisioner {
	return &ContainerdProvisioner{
		cfg:       cfg,
		usedPorts: make(map[int]bool),
		ports:     make(map[string]int),
	}
}

func (p *ContainerdProvisioner) portFor(name string) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	port, ok := p.ports[name]
	return port, ok
}

func (p *ContainerdProvisioner) setPortFor(name string, port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ports[name] = port
}

func (p *ContainerdProvisioner) clearPortFor(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if port, ok := p.ports[name]; ok {
		delete(p.usedPorts, port)
		delete(p.ports, name)
	}
}

func (p *ContainerdProvisioner) client() (*containerd.Client, error) {
	return containerd.New(p.cfg.SocketPath)
}

func (p *ContainerdProvisioner) allocatePort() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	span := p.cfg.PortMax - p.cfg.PortMin + 1
	start := rand.Intn(span)
	for offset := 0; offset < span; offset++ {
		candidate := p.cfg.PortMin + (start+offset)%span
		if !p.usedPorts[candidate] {
			p.usedPorts[candidate] = true
			return candidate, nil
		}
	}
	return 0, fmt.Errorf("no free port in range [%d, %d]", p.cfg.PortMin, p.cfg.PortMax)
}

func (p *ContainerdProvisioner) releasePort(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.usedPorts, port)
}

// Provision creates a new container running the VPN-backed proxy image,
// waits for it to start, and validates its egress IP.
func (p *ContainerdProvisioner) Provision(ctx context.Context) (Result, error) {
	l := logging.WithComponent("provisioner/containerd")

	cli, err := p.client()
	if err != nil {
		return Result{Status: "error", Message: err.Error()}, nil
	}
	defer cli.Close()

	ctx = namespaces.WithNamespace(ctx, Namespace)

	name := "proxy-" + uuid.NewString()[:8]
	port, err := p.allocatePort()
	if err != nil {
		return Result{Status: "error", Message: err.Error()}, nil
	}

	image, err := cli.GetImage(ctx, p.cfg.Image)
	if err != nil {
		p.releasePort(port)
		return Result{Status: "error", Message: fmt.Sprintf("get image: %v", err)}, nil
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv([]string{fmt.Sprintf("PROXY_PORT=%d", port)}),
	}

	container, err := cli.NewContainer(
		ctx,
		name,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(name+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		p.releasePort(port)
		return Result{Status: "error", Message: fmt.Sprintf("create container: %v", err)}, nil
	}

	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		p.releasePort(port)
		return Result{Status: "error", Message: fmt.Sprintf("create task: %v", err)}, nil
	}
	if err := task.Start(ctx); err != nil {
		p.releasePort(port)
		return Result{Status: "error", Message: fmt.Sprintf("start task: %v", err)}, nil
	}

	proxyURL := fmt.Sprintf("http://127.0.0.1:%d", port)

	checkCtx, cancel := context.WithTimeout(ctx, p.cfg.HealthTimeout)
	ip, err := checkEgressIP(checkCtx, proxyURL, p.cfg.EchoServiceURL, p.cfg.HealthTimeout)
	cancel()
	if err != nil {
		l.Warn().Err(err).Str("name", name).Msg("provision: egress validation failed")
		return Result{Status: "error", Name: name, Message: err.Error()}, nil
	}

	p.setPortFor(name, port)

	l.Info().Str("name", name).Str("ip", ip).Int("port", port).Msg("worker provisioned")
	return Result{
		Status:      "ok",
		Name:        name,
		ContainerID: container.ID(),
		ProxyPort:   port,
		ProxyURL:    proxyURL,
		IPSeen:      ip,
	}, nil
}

// RestartAndCheck kills and restarts the container's task in place and
// revalidates its egress IP. The container (and its allocated port) are
// reused; only the task, and with it the VPN session, is recycled.
func (p *ContainerdProvisioner) RestartAndCheck(ctx context.Context, name string) (Result, error) {
	l := logging.WithComponent("provisioner/containerd")

	cli, err := p.client()
	if err != nil {
		return Result{Status: "error", Name: name, Message: err.Error()}, nil
	}
	defer cli.Close()

	ctx = namespaces.WithNamespace(ctx, Namespace)

	container, err := cli.LoadContainer(ctx, name)
	if err != nil {
		return Result{Status: "error", Name: name, Message: fmt.Sprintf("load container: %v", err)}, nil
	}

	if task, err := container.Task(ctx, nil); err == nil {
		stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		_ = task.Kill(stopCtx, syscall.SIGTERM)
		statusC, waitErr := task.Wait(stopCtx)
		if waitErr == nil {
			select {
			case <-statusC:
			case <-stopCtx.Done():
				_ = task.Kill(ctx, syscall.SIGKILL)
			}
		}
		cancel()
		_, _ = task.Delete(ctx)
	}

	newTask, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		return Result{Status: "error", Name: name, Message: fmt.Sprintf("recreate task: %v", err)}, nil
	}
	if err := newTask.Start(ctx); err != nil {
		return Result{Status: "error", Name: name, Message: fmt.Sprintf("restart task: %v", err)}, nil
	}

	port, ok := p.portFor(name)
	if !ok {
		return Result{Status: "error", Name: name, Message: "no tracked port for worker"}, nil
	}

	proxyURL := fmt.Sprintf("http://127.0.0.1:%d", port)
	checkCtx, cancel := context.WithTimeout(ctx, p.cfg.HealthTimeout)
	ip, err := checkEgressIP(checkCtx, proxyURL, p.cfg.EchoServiceURL, p.cfg.HealthTimeout)
	cancel()
	if err != nil {
		l.Warn().Err(err).Str("name", name).Msg("restart: egress validation failed")
		return Result{Status: "error", Name: name, Message: err.Error()}, nil
	}

	l.Info().Str("name", name).Str("ip", ip).Msg("worker restarted")
	return Result{
		Status:      "ok",
		Name:        name,
		ContainerID: container.ID(),
		ProxyPort:   port,
		ProxyURL:    proxyURL,
		IPSeen:      ip,
	}, nil
}

// Delete tears the container and its snapshot down, tolerating failures.
func (p *ContainerdProvisioner) Delete(ctx context.Context, name string) (bool, error) {
	cli, err := p.client()
	if err != nil {
		return false, err
	}
	defer cli.Close()

	ctx = namespaces.WithNamespace(ctx, Namespace)

	container, err := cli.LoadContainer(ctx, name)
	if err != nil {
		return false, nil // already gone
	}

	if task, err := container.Task(ctx, nil); err == nil {
		stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		_ = task.Kill(stopCtx, syscall.SIGKILL)
		_, _ = task.Delete(ctx)
		cancel()
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return false, err
	}
	p.clearPortFor(name)
	return true, nil
}

var _ Provisioner = (*ContainerdProvisioner)(nil)
