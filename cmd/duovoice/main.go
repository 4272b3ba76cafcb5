// Package main provides the CLI entry point for duovoice.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/postalsys/duovoice/internal/call"
	"github.com/postalsys/duovoice/internal/config"
	"github.com/postalsys/duovoice/internal/identity"
	"github.com/postalsys/duovoice/internal/logging"
	"github.com/postalsys/duovoice/internal/metrics"
	"github.com/postalsys/duovoice/internal/rendezvous"
	"github.com/postalsys/duovoice/internal/session"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "duovoice",
		Short: "duovoice - encrypted two-peer voice and chat",
		Long: `duovoice pairs two peers through a rendezvous server, runs a mutually
authenticated key exchange, and carries chat over an encrypted TCP stream
and voice over a sequenced UDP path.`,
		Version: Version,
	}

	var configPath string
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")

	rootCmd.AddCommand(createCmd(&configPath))
	rootCmd.AddCommand(joinCmd(&configPath))
	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(identityCmd(&configPath))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig resolves the effective configuration: file if given, defaults
// otherwise.
func loadConfig(configPath string) (*config.Config, error) {
	if configPath != "" {
		return config.Load(configPath)
	}
	return config.DefaultConfig(), nil
}

func createCmd(configPath *string) *cobra.Command {
	var noVoice bool

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a room and wait for a peer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if noVoice {
				cfg.Voice.Enabled = false
			}

			code, err := rendezvous.GenerateRoomCode()
			if err != nil {
				return err
			}

			fmt.Printf("Room code: %s\n", code)
			fmt.Println("Waiting for a peer to join...")

			return runPeer(cfg, code, true)
		},
	}

	cmd.Flags().BoolVar(&noVoice, "no-voice", false, "disable the UDP voice path")
	return cmd
}

func joinCmd(configPath *string) *cobra.Command {
	var noVoice bool

	cmd := &cobra.Command{
		Use:   "join <ROOM_CODE>",
		Short: "Join an existing room",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if noVoice {
				cfg.Voice.Enabled = false
			}

			code := args[0]
			if !rendezvous.ValidateRoomCode(code) {
				return fmt.Errorf("invalid room code %q (expected XXXX-YYYY, A-Z and 0-9)", code)
			}

			return runPeer(cfg, code, false)
		},
	}

	cmd.Flags().BoolVar(&noVoice, "no-voice", false, "disable the UDP voice path")
	return cmd
}

// runPeer performs rendezvous and drives the call loop on stdin/stdout.
func runPeer(cfg *config.Config, code string, creator bool) error {
	logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)

	id, created, err := identity.LoadOrCreate(cfg.Client.IdentityFile)
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}
	if created {
		logger.Info("generated new identity", slog.String("file", cfg.Client.IdentityFile))
	}
	fmt.Printf("Identity: %s\n", id.PublicKeyBase64())

	serverAddr := cfg.ResolveServerAddr()
	logger.Info("using rendezvous", slog.String(logging.KeyAddress, serverAddr))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var paired *rendezvous.Paired
	if creator {
		paired, err = rendezvous.Create(ctx, serverAddr, code, id)
	} else {
		paired, err = rendezvous.Join(ctx, serverAddr, code, id)
	}
	if err != nil {
		return fmt.Errorf("rendezvous: %w", err)
	}

	role := "client"
	if paired.Role == session.RoleHost {
		role = "host"
	}
	fmt.Printf("Paired with %x... as %s\n", paired.PeerPub[:4], role)

	if !term.IsTerminal(int(os.Stdin.Fd())) {
		logger.Warn("stdin is not a terminal; chat input may be scripted")
	}

	return call.Run(ctx, paired, id, call.Options{
		SenderName: id.PublicKeyBase64()[:8],
		Stream: session.StreamConfig{
			ReadTimeout:  cfg.Stream.ReadTimeout,
			WriteTimeout: cfg.Stream.WriteTimeout,
		},
		Voice:   cfg.Voice,
		Logger:  logger,
		Metrics: metrics.Default(),
	}, os.Stdin, os.Stdout)
}

func serveCmd(configPath *string) *cobra.Command {
	var listen, httpListen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the rendezvous server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Server.Listen = listen
			}
			if httpListen != "" {
				cfg.Server.HTTPListen = httpListen
			}

			logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv := rendezvous.NewServer(rendezvous.ServerConfig{
				Listen:       cfg.Server.Listen,
				HTTPListen:   cfg.Server.HTTPListen,
				CommandRate:  cfg.Server.CommandRate,
				CommandBurst: cfg.Server.CommandBurst,
			}, logger, metrics.Default())

			return srv.ListenAndServe(ctx)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "override the listen address")
	cmd.Flags().StringVar(&httpListen, "http-listen", "", "serve /healthz and /metrics on this address")
	return cmd
}

func identityCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "identity",
		Short: "Print the local identity public key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			id, created, err := identity.LoadOrCreate(cfg.Client.IdentityFile)
			if err != nil {
				return err
			}
			if created {
				fmt.Println("Generated a new identity.")
			}
			fmt.Println(id.PublicKeyBase64())
			return nil
		},
	}
}
