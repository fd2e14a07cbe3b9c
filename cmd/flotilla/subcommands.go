package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	apiserver "github.com/flotilla-dev/flotilla/internal/api"
	"github.com/flotilla-dev/flotilla/internal/config"
	"github.com/flotilla-dev/flotilla/internal/hub"
	"github.com/flotilla-dev/flotilla/internal/identity"
	"github.com/flotilla-dev/flotilla/internal/payment"
	"github.com/flotilla-dev/flotilla/internal/placement"
	"github.com/flotilla-dev/flotilla/internal/registry"
	"github.com/flotilla-dev/flotilla/internal/store"
	"github.com/flotilla-dev/flotilla/internal/telemetry"
	"github.com/flotilla-dev/flotilla/pkg/api"
	"github.com/flotilla-dev/flotilla/pkg/model"
)

func configDir() string {
	if base := os.Getenv("XDG_CONFIG_HOME"); base != "" {
		return filepath.Join(base, "flotilla")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "flotilla")
}

func openStore(cfg config.Config) (store.Store, error) {
	switch cfg.Coordinator.Store {
	case "memory":
		return store.NewMemory(), nil
	case "sqlite":
		path := cfg.Coordinator.SQLitePath
		if path == "" {
			path = filepath.Join(configDir(), "registry.db")
		}
		return store.NewSQLite(path)
	case "etcd":
		return store.NewEtcd(cfg.Coordinator.EtcdEndpoints)
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Coordinator.Store)
	}
}

func keyPath(cfg config.Config) string {
	if cfg.Coordinator.KeyPath != "" {
		return cfg.Coordinator.KeyPath
	}
	return filepath.Join(configDir(), "coordinator_ed25519")
}

// Serve the coordinator
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator: registry, placement, hub and REST API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			telemetry.SetEnabled(cfg.Telemetry.Enabled)

			if err := os.MkdirAll(configDir(), 0700); err != nil {
				return err
			}
			id, err := identity.LoadOrGenerate(keyPath(cfg))
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			logger := log.Logger
			reg := registry.New(st, registry.Options{
				ExpiryWindow:      cfg.ExpiryWindow(),
				SweepInterval:     cfg.SweepInterval(),
				OfflineGrace:      cfg.OfflineGrace(),
				DegradedThreshold: cfg.Registry.DegradedThreshold,
				ConflictRetries:   cfg.Placement.ConflictRetries,
			}, logger)
			h := hub.New(id, logger)
			pl := placement.New(st, h, placement.Options{
				MaxDeployRetries:      cfg.Placement.MaxDeployRetries,
				CommandTimeout:        cfg.CommandTimeout(),
				TerminateWait:         cfg.TerminateWait(),
				MissedReportThreshold: cfg.Placement.MissedReportThreshold,
				ConflictRetries:       cfg.Placement.ConflictRetries,
			}, logger)
			reg.OnTransition(pl.HandleTransition)
			reg.SetReportSink(pl)
			reg.SetEventSink(h)
			val := payment.NewValidator(payment.Options{
				ReplayWindow:    cfg.ReplayWindow(),
				ReplayCacheSize: cfg.Payment.ReplayCacheSize,
			}, logger)

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			go reg.Run(ctx)

			srv := &http.Server{
				Addr:    cfg.Coordinator.Listen,
				Handler: apiserver.NewServer(reg, pl, val, id, logger).Routes(),
			}
			errCh := make(chan error, 1)
			go func() {
				log.Info().Str("listen", cfg.Coordinator.Listen).Str("store", cfg.Coordinator.Store).
					Msg("coordinator listening")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()

			sigc := make(chan os.Signal, 1)
			signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
			select {
			case err := <-errCh:
				return err
			case <-sigc:
			case <-ctx.Done():
			}
			log.Info().Msg("coordinator shutting down")
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
}

// Initialize config and keys
func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the default config and coordinator key. Run this the first time.",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := configDir()
			if err := os.MkdirAll(dir, 0700); err != nil {
				return err
			}
			cfgFile := filepath.Join(dir, "config.yaml")
			if _, err := os.Stat(cfgFile); os.IsNotExist(err) {
				content := "coordinator:\n  listen: \":9440\"\n  store: memory\n"
				if err := os.WriteFile(cfgFile, []byte(content), 0644); err != nil {
					return err
				}
				fmt.Printf("created %s\n", cfgFile)
			} else {
				fmt.Printf("config already present at %s\n", cfgFile)
			}
			id, err := identity.LoadOrGenerate(filepath.Join(dir, "coordinator_ed25519"))
			if err != nil {
				return err
			}
			fmt.Printf("coordinator key: %s\n", id.PublicAuthorizedKey())
			return nil
		},
	}
}

func coordinatorFlag(cmd *cobra.Command) {
	cmd.Flags().String("coordinator", "127.0.0.1:9440", "coordinator address")
}

func getJSON(coordinator, path string, out interface{}) error {
	resp, err := http.Get("http://" + coordinator + path)
	if err != nil {
		return err
	}
	return decodeResponse(resp, out)
}

func postJSON(coordinator, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := http.Post("http://"+coordinator+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out interface{}) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var apiErr api.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Code != "" {
			return fmt.Errorf("%s: %s", apiErr.Code, apiErr.Error)
		}
		return fmt.Errorf("coordinator returned %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// List the fleet
func newNodesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "nodes",
		Short: "List registered nodes",
		RunE: func(cmd *cobra.Command, args []string) error {
			coordinator, _ := cmd.Flags().GetString("coordinator")
			state, _ := cmd.Flags().GetString("state")
			capability, _ := cmd.Flags().GetString("capability")
			path := fmt.Sprintf("/cluster/nodes?state=%s&capability=%s", state, capability)
			var nodes []*model.Node
			if err := getJSON(coordinator, path, &nodes); err != nil {
				return err
			}
			fmt.Printf("%-24s %-10s %-22s %-8s %-8s\n", "ID", "STATE", "ADDRESS", "AGENTS", "LOAD")
			for _, n := range nodes {
				fmt.Printf("%-24s %-10s %-22s %-8d %-8.2f\n",
					n.ID, n.State, n.Address, n.AgentsRunning, n.LoadFraction())
			}
			return nil
		},
	}
	coordinatorFlag(cmd)
	cmd.Flags().String("state", "", "filter by state")
	cmd.Flags().String("capability", "", "filter by capability")
	return cmd
}

// List and manage agents
func newAgentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "List agents and their placements",
		RunE: func(cmd *cobra.Command, args []string) error {
			coordinator, _ := cmd.Flags().GetString("coordinator")
			var agents []*model.Agent
			if err := getJSON(coordinator, "/cluster/agents", &agents); err != nil {
				return err
			}
			fmt.Printf("%-38s %-16s %-10s %-24s\n", "ID", "CAPABILITY", "STATE", "NODE")
			for _, a := range agents {
				fmt.Printf("%-38s %-16s %-10s %-24s\n", a.ID, a.Capability, a.State, a.NodeID)
			}
			return nil
		},
	}
	coordinatorFlag(cmd)
	cmd.AddCommand(newAgentsDeployCmd())
	cmd.AddCommand(newAgentsGetCmd())
	cmd.AddCommand(newAgentsTerminateCmd())
	return cmd
}

func newAgentsDeployCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Place a new agent on the least-loaded eligible node",
		RunE: func(cmd *cobra.Command, args []string) error {
			coordinator, _ := cmd.Flags().GetString("coordinator")
			capability, _ := cmd.Flags().GetString("capability")
			milliCPU, _ := cmd.Flags().GetInt64("milli-cpu")
			memory, _ := cmd.Flags().GetInt64("memory-bytes")
			preferred, _ := cmd.Flags().GetString("node")
			if capability == "" {
				return fmt.Errorf("--capability is required")
			}
			var resp api.DeployResponse
			err := postJSON(coordinator, "/cluster/agents/deploy", api.DeployRequest{
				Capability:    capability,
				Requirements:  model.Resource{MilliCPU: milliCPU, MemoryBytes: memory},
				PreferredNode: preferred,
			}, &resp)
			if err != nil {
				return err
			}
			fmt.Printf("agent %s %s on %s\n", resp.AgentID, resp.State, resp.NodeID)
			return nil
		},
	}
	coordinatorFlag(cmd)
	cmd.Flags().String("capability", "", "capability to deploy")
	cmd.Flags().Int64("milli-cpu", 0, "requested CPU in millicores")
	cmd.Flags().Int64("memory-bytes", 0, "requested memory in bytes")
	cmd.Flags().String("node", "", "preferred node ID")
	return cmd
}

func newAgentsGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <agent-id>",
		Short: "Show one agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			coordinator, _ := cmd.Flags().GetString("coordinator")
			var agent model.Agent
			if err := getJSON(coordinator, "/cluster/agents/"+args[0], &agent); err != nil {
				return err
			}
			out, err := json.MarshalIndent(agent, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
	coordinatorFlag(cmd)
	return cmd
}

func newAgentsTerminateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "terminate <agent-id>",
		Short: "Stop an agent and release its reservation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			coordinator, _ := cmd.Flags().GetString("coordinator")
			var resp api.TerminateResponse
			if err := postJSON(coordinator, "/cluster/agents/"+args[0]+"/terminate", nil, &resp); err != nil {
				return err
			}
			fmt.Printf("agent %s %s\n", resp.AgentID, resp.State)
			return nil
		},
	}
	coordinatorFlag(cmd)
	return cmd
}

// Cluster status
func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show aggregate cluster status",
		RunE: func(cmd *cobra.Command, args []string) error {
			coordinator, _ := cmd.Flags().GetString("coordinator")
			var status api.ClusterStatus
			if err := getJSON(coordinator, "/cluster/status", &status); err != nil {
				return err
			}
			fmt.Printf("nodes:  %d online, %d busy, %d degraded, %d offline\n",
				status.NodesOnline, status.NodesBusy, status.NodesDegraded, status.NodesOffline)
			fmt.Printf("agents: %d running, %d pending, %d error\n",
				status.AgentsRunning, status.AgentsPending, status.AgentsError)
			return nil
		},
	}
	coordinatorFlag(cmd)
	return cmd
}
