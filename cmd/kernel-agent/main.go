package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/kernel-agent/internal/metrics"
	"github.com/cuemby/kernel-agent/pkg/artifact"
	"github.com/cuemby/kernel-agent/pkg/config"
	"github.com/cuemby/kernel-agent/pkg/containerengine"
	"github.com/cuemby/kernel-agent/pkg/cpuset"
	"github.com/cuemby/kernel-agent/pkg/events"
	"github.com/cuemby/kernel-agent/pkg/lifecycle"
	"github.com/cuemby/kernel-agent/pkg/log"
	"github.com/cuemby/kernel-agent/pkg/monitor"
	"github.com/cuemby/kernel-agent/pkg/nvidia"
	"github.com/cuemby/kernel-agent/pkg/periodic"
	"github.com/cuemby/kernel-agent/pkg/registry"
	"github.com/cuemby/kernel-agent/pkg/relay"
	"github.com/cuemby/kernel-agent/pkg/rpc"
	"github.com/cuemby/kernel-agent/pkg/statsprobe"
	"github.com/cuemby/kernel-agent/pkg/topology"
	"github.com/cuemby/kernel-agent/pkg/volume"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// manager-connect timeout: §5's 5 s ceiling on reaching the upstream event
// endpoint at startup.
const managerConnectTimeout = 5 * time.Second

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "kernel-agent",
	Short:   "Per-host agent that creates and manages sandboxed kernel containers",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("kernel-agent version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	rootCmd.AddCommand(startCmd)

	def := config.Default()
	startCmd.Flags().String("agent-ip", "", "advertised address (auto-detected if empty)")
	startCmd.Flags().Int("agent-port", def.AgentPort, "RPC listen port")
	startCmd.Flags().String("event-addr", def.EventAddr, "upstream event endpoint")
	startCmd.Flags().Int("exec-timeout", def.ExecTimeoutS, "per-execution cap in seconds")
	startCmd.Flags().Int("idle-timeout", def.IdleTimeoutS, "idle reap threshold in seconds")
	startCmd.Flags().Int("max-kernels", def.MaxKernels, "advisory capacity")
	startCmd.Flags().String("volume-root", def.VolumeRoot, "scratch root directory (must exist)")
	startCmd.Flags().String("kernel-aliases", "", "file mapping language alias to canonical tag")
	startCmd.Flags().Bool("debug", false, "verbose logging")
	startCmd.Flags().String("containerd-socket", containerengine.DefaultSocketPath, "containerd socket path")
	startCmd.Flags().String("cgroup-root", "/sys/fs/cgroup/kernel-agent.slice", "cgroup v2 root for stats sampling")
	startCmd.Flags().String("artifact-dir", "/var/lib/kernel-agent/artifacts", "local artifact sink destination")
	startCmd.Flags().Int("metrics-port", 9102, "Prometheus /metrics listen port (0 disables)")
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the kernel agent",
	RunE:  runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	agentIP, _ := cmd.Flags().GetString("agent-ip")
	agentPort, _ := cmd.Flags().GetInt("agent-port")
	eventAddr, _ := cmd.Flags().GetString("event-addr")
	execTimeoutS, _ := cmd.Flags().GetInt("exec-timeout")
	idleTimeoutS, _ := cmd.Flags().GetInt("idle-timeout")
	maxKernels, _ := cmd.Flags().GetInt("max-kernels")
	volumeRoot, _ := cmd.Flags().GetString("volume-root")
	aliasFile, _ := cmd.Flags().GetString("kernel-aliases")
	debug, _ := cmd.Flags().GetBool("debug")
	containerdSocket, _ := cmd.Flags().GetString("containerd-socket")
	cgroupRoot, _ := cmd.Flags().GetString("cgroup-root")
	artifactDir, _ := cmd.Flags().GetString("artifact-dir")
	metricsPort, _ := cmd.Flags().GetInt("metrics-port")

	level := log.InfoLevel
	if debug {
		level = log.DebugLevel
	}
	log.Init(log.Config{Level: level, JSONOutput: true})
	logger := log.WithComponent("main")

	if agentIP == "" {
		ip, err := detectAgentIP()
		if err != nil {
			return fmt.Errorf("auto-detect agent-ip: %w", err)
		}
		agentIP = ip
	}

	info, err := os.Stat(volumeRoot)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("volume-root %s must exist and be a directory: %w", volumeRoot, err)
	}
	_ = maxKernels // advisory capacity: enforced by the RPC caller's own scheduling, not refused here

	if err := waitManagerReachable(eventAddr); err != nil {
		logger.Error().Err(err).Str("event_addr", eventAddr).Msg("manager unreachable at startup")
		os.Exit(1)
	}

	aliases, err := config.LoadAliasFile(aliasFile, config.DefaultAliases())
	if err != nil {
		return fmt.Errorf("load kernel aliases: %w", err)
	}

	topo, err := topology.Discover()
	if err != nil {
		return fmt.Errorf("discover cpu topology: %w", err)
	}
	allocator := cpuset.New(topo)

	engine, err := containerengine.NewContainerdEngine(containerdSocket)
	if err != nil {
		return fmt.Errorf("connect to containerd: %w", err)
	}
	defer engine.Close()

	reg := registry.New()
	volumes := volume.NewResolver(volume.DefaultTable, engine, volume.DefaultHostRoot)
	sink := artifact.NewLocalSink(artifactDir)
	relayMgr := relay.NewManager(relay.TCPDialer{}, sink)
	probe := statsprobe.NewCgroupV2Probe(cgroupRoot)

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	lc := lifecycle.New(reg, allocator, engine, volumes, nvidia.Noop{}, relayMgr, probe, broker, aliases, volumeRoot)
	facade := rpc.New(lc, execTimeoutS)
	_ = facade // wired to the manager-facing transport at the RPC boundary, out of this module's scope

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mon := monitor.New(engine, lc)
	go mon.Run(ctx)

	tasks := periodic.New(periodic.Config{
		Registry:     reg,
		Dispatcher:   broker,
		Stats:        probe,
		Destroyer:    lc,
		Gauges:       metrics.Gauges{},
		Cores:        allocator,
		InstanceID:   fmt.Sprintf("%s:%d", agentIP, agentPort),
		InstanceType: "kernel-agent",
		IdleTimeoutS: idleTimeoutS,
	})
	go tasks.Run(ctx)

	if metricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsAddr := fmt.Sprintf(":%d", metricsPort)
		go func() {
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				logger.Error().Err(err).Str("addr", metricsAddr).Msg("metrics server stopped")
			}
		}()
		logger.Info().Str("addr", metricsAddr).Msg("metrics endpoint listening")
	}

	broker.Publish(&events.Event{Type: events.EventInstanceStarted, Payload: map[string]interface{}{
		"agent_ip": agentIP, "agent_port": agentPort,
	}})

	logger.Info().Str("agent_ip", agentIP).Int("agent_port", agentPort).Msg("kernel agent started")

	awaitShutdown(ctx, cancel, lc)
	return nil
}

// awaitShutdown blocks until the first SIGINT/SIGTERM, then runs a graceful
// Reset (destroying every live kernel); a second signal received while that
// Reset is in flight forces an immediate exit(1) rather than waiting.
func awaitShutdown(ctx context.Context, cancel context.CancelFunc, lc *lifecycle.Lifecycle) {
	logger := log.WithComponent("main")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Info().Msg("shutdown signal received, resetting all kernels")

	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-forceCh
		logger.Warn().Msg("second shutdown signal received, forcing exit")
		os.Exit(1)
	}()

	if err := lc.Reset(ctx); err != nil {
		logger.Error().Err(err).Msg("reset during shutdown failed")
	}
	cancel()
	logger.Info().Msg("shutdown complete")
}

func detectAgentIP() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", err
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4.String(), nil
		}
	}
	return "", fmt.Errorf("no non-loopback IPv4 interface found")
}

func waitManagerReachable(addr string) error {
	conn, err := net.DialTimeout("tcp", addr, managerConnectTimeout)
	if err != nil {
		return err
	}
	return conn.Close()
}
