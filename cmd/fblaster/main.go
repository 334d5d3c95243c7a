package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Will-Luck/fblaster/internal/config"
	"github.com/Will-Luck/fblaster/internal/controller"
	"github.com/Will-Luck/fblaster/internal/docker"
	"github.com/Will-Luck/fblaster/internal/logging"
	"github.com/Will-Luck/fblaster/internal/signalpoke"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config.Config{}
	cmd := &cobra.Command{
		Use:   "fblaster",
		Short: "fblaster watches tracked container images and rolls the stack forward as upgrades appear",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
		SilenceUsage: true,
	}
	cfg = config.RegisterFlags(cmd.Flags())
	cmd.Version = version
	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	if err := config.Finalize(cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}

	if cfg.SignalPoll {
		return sendSignalPoll(cfg)
	}

	log := logging.New(cfg.LogJSON)

	var tlsCfg *docker.TLSConfig
	if cfg.DockerTLSCA != "" && cfg.DockerTLSCert != "" && cfg.DockerTLSKey != "" {
		tlsCfg = &docker.TLSConfig{
			CACert:     cfg.DockerTLSCA,
			ClientCert: cfg.DockerTLSCert,
			ClientKey:  cfg.DockerTLSKey,
		}
	}

	dkr, err := docker.NewClient(cfg.DockerSock, tlsCfg)
	if err != nil {
		log.Error("failed to create Docker client", "error", err)
		return err
	}
	defer dkr.Close()

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	log.Info("fblaster starting", "version", version, "directory", cfg.Directory)

	ctl := controller.New(cfg, log, dkr)
	if err := ctl.Run(ctx); err != nil {
		log.Error("fblaster exited with error", "error", err)
		return err
	}

	log.Info("fblaster shutdown complete")
	return nil
}

// sendSignalPoll resolves the running peer's container name and delivers a
// poke, exiting non-zero on failure per the --signal-poll contract.
func sendSignalPoll(cfg *config.Config) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	peer := cfg.PeerContainerName()
	if err := signalpoke.Send(ctx, peer); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to deliver poke to %s: %v\n", peer, err)
		return err
	}
	return nil
}
