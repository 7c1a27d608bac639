// Command swarmd runs a swarm agent daemon: it joins a swarm over NATS,
// announces presence, and serves messaging, events, voting, and
// consensus to the configured swarm.
package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/vinayprograms/swarmkit/bus"
	"github.com/vinayprograms/swarmkit/config"
	"github.com/vinayprograms/swarmkit/logging"
	"github.com/vinayprograms/swarmkit/shutdown"
	"github.com/vinayprograms/swarmkit/state"
	"github.com/vinayprograms/swarmkit/store"
	"github.com/vinayprograms/swarmkit/swarm"
)

var version = "dev"

var (
	configPath string
	swarmID    string
	agentID    string
	natsURL    string
)

var rootCmd = &cobra.Command{
	Use:   "swarmd",
	Short: "Swarm agent daemon",
	Long: `swarmd joins a swarm of agents coordinated over NATS.

Each daemon announces its presence on a heartbeat channel, relays
broadcast and direct messages, publishes and replays typed events,
participates in votes, and can join consensus groups for replicated
decisions. Durable state lives in a local SQLite database and a
shared JetStream key-value bucket.`,
	SilenceUsage: true,
}

func main() {
	addFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func addFlags() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default: swarmd.toml, ~/.config/swarmkit/swarmd.toml)")
	rootCmd.PersistentFlags().StringVar(&swarmID, "swarm", "", "swarm to join (overrides config)")
	rootCmd.PersistentFlags().StringVar(&agentID, "agent", "", "agent identifier (overrides config)")
	rootCmd.PersistentFlags().StringVar(&natsURL, "nats-url", "", "NATS server URL (overrides config)")
}

func registerCommands() {
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(versionCmd())
}

// loadConfig resolves the effective configuration: file, then flag
// overrides.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, _, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	if swarmID != "" {
		cfg.Swarm.ID = swarmID
	}
	if agentID != "" {
		cfg.Agent.ID = agentID
	}
	if natsURL != "" {
		cfg.NATS.URL = natsURL
	}
	if cfg.Agent.ID == "" {
		cfg.Agent.ID = "agent-" + uuid.NewString()[:8]
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func busConfig(cfg *config.Config) bus.NATSConfig {
	bc := bus.DefaultNATSConfig()
	bc.URL = cfg.NATS.URL
	bc.Name = "swarmd-" + cfg.Agent.ID
	if cfg.NATS.MaxReconnects != 0 {
		bc.MaxReconnects = cfg.NATS.MaxReconnects
	}
	if cfg.NATS.ReconnectBase.Duration > 0 {
		bc.ReconnectBase = cfg.NATS.ReconnectBase.Duration
	}
	if cfg.NATS.ReconnectMax.Duration > 0 {
		bc.ReconnectMax = cfg.NATS.ReconnectMax.Duration
	}
	if cfg.NATS.ConnectTimeout.Duration > 0 {
		bc.ConnectTimeout = cfg.NATS.ConnectTimeout.Duration
	}
	return bc
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Join the swarm and run until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runDaemon(cfg)
		},
	}
}

func runDaemon(cfg *config.Config) error {
	log := logging.New(os.Stderr, logging.Level(cfg.Log.Level))
	log.Info("starting swarmd", logging.Fields{
		"version": version,
		"swarm":   cfg.Swarm.ID,
		"agent":   cfg.Agent.ID,
	})

	// The first bus client doubles as the connection probe; its NATS
	// connection is shared with the state store so the daemon holds a
	// single socket per client to the broker.
	primary, err := bus.NewNATSBus(busConfig(cfg), log)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", cfg.NATS.URL, err)
	}

	var (
		mu    sync.Mutex
		first = primary
	)
	newBus := func() (bus.MessageBus, error) {
		mu.Lock()
		defer mu.Unlock()
		if first != nil {
			b := first
			first = nil
			return b, nil
		}
		return bus.NewNATSBus(busConfig(cfg), log)
	}

	coord := shutdown.NewCoordinator(shutdown.Config{Logger: log})

	st, err := state.NewNATSStore(state.NATSConfig{
		Conn:   primary.Conn(),
		Bucket: cfg.State.Bucket,
	})
	if err != nil {
		primary.Close()
		return fmt.Errorf("open state bucket %q: %w", cfg.State.Bucket, err)
	}

	agentCfg := swarm.Config{
		AgentID:           cfg.Agent.ID,
		NewBus:            newBus,
		State:             st,
		Capabilities:      cfg.Agent.Capabilities,
		Metadata:          cfg.Agent.Metadata,
		HeartbeatInterval: cfg.Membership.HeartbeatInterval.Duration,
		MemberTimeout:     cfg.Membership.MemberTimeout.Duration,
		Logger:            log,
	}

	if cfg.Store.Path != "" {
		db, err := store.OpenSQLite(cfg.Store.Path)
		if err != nil {
			st.Close()
			return fmt.Errorf("open store %q: %w", cfg.Store.Path, err)
		}
		agentCfg.Store = db
		coord.Register("store", func(ctx context.Context) error {
			return db.Close()
		})
	} else {
		log.Warn("no store path configured; events and votes will not survive restarts")
	}

	agent, err := swarm.NewAgent(agentCfg)
	if err != nil {
		return err
	}
	if err := agent.Join(cfg.Swarm.ID); err != nil {
		return fmt.Errorf("join swarm %q: %w", cfg.Swarm.ID, err)
	}
	log.Info("joined swarm", logging.Fields{"swarm": cfg.Swarm.ID})

	// The agent tears down its own components in phase order; the
	// daemon coordinator sequences the agent before the local store.
	coord.RegisterPhase("agent", shutdown.PhaseConsensus, func(ctx context.Context) error {
		return agent.Leave()
	})
	coord.RegisterPhase("state", shutdown.PhaseBus, func(ctx context.Context) error {
		return st.Close()
	})

	go logHealth(agent, log)

	coord.HandleSignals()
	<-coord.Done()
	if err := coord.Err(); err != nil {
		log.Error("shutdown finished with errors", logging.Fields{"error": err.Error()})
		return err
	}
	log.Info("shutdown complete")
	return nil
}

// logHealth periodically reports agent health while the daemon runs.
func logHealth(agent *swarm.Agent, log *logging.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		health, err := agent.HealthCheck(ctx)
		cancel()
		if err != nil {
			return
		}
		log.Debug("health", logging.Fields{
			"status":  string(health.Status),
			"members": health.Members,
			"store":   health.StoreReachable,
		})
	}
}

func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as TOML",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return toml.NewEncoder(cmd.OutOrStdout()).Encode(cfg)
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the swarmd version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "swarmd", version)
		},
	}
}
