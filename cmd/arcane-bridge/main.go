package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/noco-ai/arcane-bridge/internal/broker"
	"github.com/noco-ai/arcane-bridge/internal/config"
	"github.com/noco-ai/arcane-bridge/internal/security"
	"github.com/noco-ai/arcane-bridge/internal/tui"
)

var (
	version   = "0.1.0"
	buildTime = "dev"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	root := newRootCmd()
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:           "arcane-bridge",
		Short:         "Bridge between chat clients and a fleet of AI workers",
		Version:       fmt.Sprintf("%s (built %s)", version, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "arcane-bridge.json", "path to config file")

	cmd.AddCommand(newServeCmd(&configPath))
	cmd.AddCommand(newTokenCmd(&configPath))
	cmd.AddCommand(newChatCmd())
	cmd.AddCommand(newTopologyCmd(&configPath))
	return cmd
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := setup(*configPath)
			if err != nil {
				return err
			}
			if err := startServices(app); err != nil {
				app.shutdown()
				return err
			}
			printBanner(app)
			waitForShutdown(app)
			return nil
		},
	}
}

func newTokenCmd(configPath *string) *cobra.Command {
	var (
		userID int64
		name   string
		ttl    time.Duration
		secret string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a session token for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := readConfig(*configPath)
			if err != nil {
				return err
			}
			if secret == "" {
				secret = cfg.Session.JWTSecret
			}
			if secret == "" {
				return errors.New("no jwt secret configured; sessions run as the dev user")
			}
			if ttl == 0 {
				ttl = cfg.TokenTTL()
			}
			token, err := security.GenerateToken(userID, name, []byte(secret), ttl)
			if err != nil {
				return fmt.Errorf("generate token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().Int64Var(&userID, "user", 1, "user id")
	cmd.Flags().StringVar(&name, "name", "", "user name")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default from config)")
	cmd.Flags().StringVar(&secret, "secret", "", "signing secret (default from config)")
	return cmd
}

func newChatCmd() *cobra.Command {
	var url, token, logFile string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Open the terminal chat client",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out io.Writer = io.Discard
			if logFile != "" {
				f, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
				if err != nil {
					return fmt.Errorf("open log file: %w", err)
				}
				defer f.Close()
				out = f
			}
			logger := slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: slog.LevelDebug}))

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return tui.Run(ctx, url, token, logger)
		},
	}
	cmd.Flags().StringVar(&url, "url", "ws://localhost:3000/ws", "bridge websocket url")
	cmd.Flags().StringVar(&token, "token", "", "session token")
	cmd.Flags().StringVar(&logFile, "log", "", "write client logs to this file")
	return cmd
}

func newTopologyCmd(configPath *string) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "topology",
		Short: "Print the broker topology",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				cfg, err := readConfig(*configPath)
				if err != nil {
					return err
				}
				file = cfg.Broker.TopologyFile
			}
			t, err := broker.LoadTopology(file)
			if err != nil {
				return err
			}
			printTopology(cmd.OutOrStdout(), t)
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "topology file (default from config, then built in)")
	return cmd
}

func printTopology(w io.Writer, t *broker.Topology) {
	for _, ex := range t.Exchange {
		fmt.Fprintf(w, "exchange %s (%s)\n", ex.Name, ex.Type)
	}
	for _, q := range t.Queue {
		fmt.Fprintf(w, "queue %s\n", q.Name)
		if q.DeadLetterExchange != "" {
			fmt.Fprintf(w, "  dead letter -> %s/%s\n", q.DeadLetterExchange, q.DeadLetterRoutingKey)
		}
		for _, b := range q.Binding {
			fmt.Fprintf(w, "  bind %s/%s\n", b.Exchange, b.RoutingKey)
		}
		for _, c := range q.Consumer {
			if c.Filter != "" {
				fmt.Fprintf(w, "  consume %s [%s]\n", c.Handler, c.Filter)
			} else {
				fmt.Fprintf(w, "  consume %s\n", c.Handler)
			}
		}
	}
}

// readConfig loads the config without creating one.
func readConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return config.DefaultConfig(), nil
	}
	return cfg, err
}

func printBanner(app *App) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════╗")
	fmt.Println("  ║        Arcane Bridge v" + version + "           ║")
	fmt.Println("  ║  Chat clients in, worker fleet out.   ║")
	fmt.Println("  ╚═══════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  🌐 HTTP: http://localhost:%d\n", app.Config.Server.Port)
	fmt.Printf("  🔌 Socket: ws://localhost:%d/ws\n", app.Config.Server.Port)
	fmt.Printf("  📨 Broker: %s (server %s)\n", app.Config.Broker.Driver, app.Gateway.ServerID())
	fmt.Printf("  🧠 Skills online: %d\n", len(app.Skills.OnlineSkills()))
	fmt.Println()
}

// waitForShutdown waits for termination signal and performs graceful shutdown
func waitForShutdown(app *App) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, getShutdownSignals()...)
	defer signal.Stop(sigCh)

	for sig := range sigCh {
		if handlePlatformSignal(sig, app) {
			continue
		}
		app.Logger.Info("shutdown signal received", "signal", sig)
		break
	}
	app.shutdown()
}
