package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/warrenswarm/pkg/broker"
	"github.com/cuemby/warrenswarm/pkg/clock"
	"github.com/cuemby/warrenswarm/pkg/dispatcher"
	"github.com/cuemby/warrenswarm/pkg/election"
	"github.com/cuemby/warrenswarm/pkg/events"
	"github.com/cuemby/warrenswarm/pkg/gossip"
	"github.com/cuemby/warrenswarm/pkg/identity"
	"github.com/cuemby/warrenswarm/pkg/integrator"
	"github.com/cuemby/warrenswarm/pkg/log"
	"github.com/cuemby/warrenswarm/pkg/metrics"
	"github.com/cuemby/warrenswarm/pkg/queue"
	"github.com/cuemby/warrenswarm/pkg/reconciler"
	"github.com/cuemby/warrenswarm/pkg/security"
	"github.com/cuemby/warrenswarm/pkg/storage"
	"github.com/cuemby/warrenswarm/pkg/transport"
	"github.com/cuemby/warrenswarm/pkg/types"
	"github.com/spf13/cobra"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "swarmd",
	Short:   "swarmd runs one node of a gossip-replicated agent swarm",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("swarmd version %s (%s)\n", Version, Commit))
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(clusterCmd)
	clusterCmd.AddCommand(clusterInitCmd)
	clusterCmd.AddCommand(clusterJoinCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Manage this node's participation in a swarm",
}

var clusterInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Start this node, seeding a brand-new swarm",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd)
	},
}

var clusterJoinCmd = &cobra.Command{
	Use:   "join",
	Short: "Start this node, dialing the seeds in --config to join an existing swarm",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd)
	},
}

func init() {
	for _, cmd := range []*cobra.Command{clusterInitCmd, clusterJoinCmd} {
		cmd.Flags().String("node-id", "", "Node identifier; generated and persisted on first boot if empty")
		cmd.Flags().String("role", "worker", "Node role: worker, emperor, or seneschal (seneschal never campaigns for or holds emperor duties)")
		cmd.Flags().String("data-dir", "./swarmd-data", "Directory for the node's bbolt store")
		cmd.Flags().Int("p2p-port", 7946, "TCP port for the intra-swarm gossip mesh")
		cmd.Flags().Int("broker-port", 7947, "TCP port for the cross-swarm bounty broker mesh")
		cmd.Flags().Int("metrics-port", 9090, "HTTP port for /metrics, /health, /ready, /live")
		cmd.Flags().String("swarm-id", "default-swarm", "Swarm identifier; derives the at-rest encryption key for this node's identity seed")
		cmd.Flags().String("config", "", "Path to a YAML fleet config (peer seeds, default test command)")
		cmd.Flags().Bool("enable-broker", false, "Start the cross-swarm bounty broker on --broker-port")
	}
}

func run(cmd *cobra.Command) error {
	nodeIDFlag, _ := cmd.Flags().GetString("node-id")
	roleFlag, _ := cmd.Flags().GetString("role")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	p2pPort, _ := cmd.Flags().GetInt("p2p-port")
	brokerPort, _ := cmd.Flags().GetInt("broker-port")
	metricsPort, _ := cmd.Flags().GetInt("metrics-port")
	swarmID, _ := cmd.Flags().GetString("swarm-id")
	configPath, _ := cmd.Flags().GetString("config")
	enableBroker, _ := cmd.Flags().GetBool("enable-broker")

	cfg, err := loadFleetConfig(configPath)
	if err != nil {
		return fmt.Errorf("load fleet config: %w", err)
	}
	if cfg.SwarmID != "" {
		swarmID = cfg.SwarmID
	}

	role := types.NodeRole(roleFlag)

	store, err := storage.NewBoltStore(dataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	nodeID, err := loadOrCreateNodeID(store, nodeIDFlag)
	if err != nil {
		return fmt.Errorf("resolve node id: %w", err)
	}

	if err := security.SetSwarmEncryptionKey(security.DeriveKeyFromSwarmID(swarmID)); err != nil {
		return fmt.Errorf("set swarm encryption key: %w", err)
	}
	idHandle, err := identity.LoadOrCreate(store)
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}

	clk := clock.New(loadLamportCounter(store), func(v uint64) { saveLamportCounter(store, v) })

	eb := events.NewBroker()
	eb.Start()
	defer eb.Stop()

	discoverer := seedDiscoverer(cfg)
	mesh := transport.NewMesh(nodeID, string(role), p2pPort, metricsPort, discoverer)

	auth := identity.NewAuth(idHandle, publicKeyLookup(store))
	mesh.SetAuthenticator(auth)

	g := gossip.New(nodeID, mesh, store, clk, eb)
	g.RegisterHandlers()

	selfIdentity, err := announceSelf(store, clk, g, idHandle, swarmID, nodeID, role)
	if err != nil {
		return fmt.Errorf("announce identity: %w", err)
	}

	el := election.New(nodeID, role, mesh, eb)
	el.RegisterHandlers()
	isEmperor := func() bool { return el.IsEmperor() }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := mesh.Start(ctx); err != nil {
		return fmt.Errorf("start mesh: %w", err)
	}
	defer mesh.Stop()

	g.Start()
	defer g.Stop()

	go auth.RunSweeper(ctx, identity.ChallengeFreshness)
	go watchElectionVictories(ctx, eb, store, clk, g, idHandle, selfIdentity.DID, nodeID)

	q := queue.New(store, clk, g, eb, nodeID)

	recon := reconciler.New(store, eb, clk, nodeID)
	recon.Start()
	defer recon.Stop()

	var b *broker.Broker
	if enableBroker {
		brokerMesh := transport.NewMesh(nodeID, string(role), brokerPort, 0, nil)
		b = broker.New(nodeID, brokerMesh, store, clk, eb)
		b.RegisterHandlers()
		if err := b.Start(ctx); err != nil {
			return fmt.Errorf("start broker: %w", err)
		}
		defer b.Stop()
	}

	d := dispatcher.New(store, clk, q, g, b, dispatcher.IsEmperor(isEmperor), nodeID)
	// No Multiplexer implementation ships in this module, same as the
	// integrator's GitWorkspace below: a locally assigned task still
	// transitions to Claimed and waits for the agent's first
	// ReportProgress, it just skips the explicit delivery call a real
	// agent-process adapter would receive.
	go d.Run(ctx)
	defer d.Stop()

	// No GitWorkspace implementation ships in this module: git tooling is
	// an external collaborator per pkg/collab. The integrator still runs
	// so a real workspace can be wired in later without restarting the
	// dispatch/queue/election stack.
	in := integrator.New(store, clk, g, eb, nil, integrator.IsEmperor(isEmperor), nodeID)
	go in.Run(ctx)
	defer in.Stop()

	go el.Run(ctx)
	defer el.Stop()

	metrics.SetVersion(Version)
	metrics.RegisterComponent("store", true, "ready")
	metrics.RegisterComponent("transport", true, "ready")

	collector := metrics.NewCollector(store)
	collector.Start()
	defer collector.Stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())
	httpSrv := &http.Server{Addr: fmt.Sprintf(":%d", metricsPort), Handler: mux}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "metrics server error: %v\n", err)
		}
	}()

	fmt.Printf("swarmd node %s (%s) listening on :%d, identity %s\n", nodeID, role, p2pPort, idHandle.PublicKeyHex()[:16])

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	fmt.Println("shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)

	return nil
}

func seedDiscoverer(cfg *FleetConfig) transport.Discoverer {
	if len(cfg.Seeds) == 0 {
		return nil
	}
	candidates := make([]transport.Candidate, 0, len(cfg.Seeds))
	for _, s := range cfg.Seeds {
		candidates = append(candidates, transport.Candidate{Host: s.Host, Port: s.Port})
	}
	return transport.NewStaticDiscoverer(candidates)
}

const nodeIDStateKey = "node_id"
const lamportStateKey = "lamport_counter"

func loadOrCreateNodeID(store storage.Store, flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	existing, err := store.GetState(nodeIDStateKey)
	if err != nil {
		return "", err
	}
	if len(existing) > 0 {
		return string(existing), nil
	}

	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	id := hex.EncodeToString(buf)
	if err := store.PutState(nodeIDStateKey, []byte(id)); err != nil {
		return "", err
	}
	return id, nil
}

func loadLamportCounter(store storage.Store) uint64 {
	data, err := store.GetState(lamportStateKey)
	if err != nil || len(data) != 8 {
		return 0
	}
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(data[i])
	}
	return v
}

func saveLamportCounter(store storage.Store, v uint64) {
	data := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		data[i] = byte(v)
		v >>= 8
	}
	_ = store.PutState(lamportStateKey, data)
}
