// ABOUTME: Entry point for coven-relay
// ABOUTME: Relays Matrix conversations to a local inference CLI, one session at a time

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-relay/internal/backend"
	"github.com/2389/coven-relay/internal/commands"
	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/conversation"
	"github.com/2389/coven-relay/internal/delivery"
	"github.com/2389/coven-relay/internal/logging"
	"github.com/2389/coven-relay/internal/matrix"
	"github.com/2389/coven-relay/internal/metrics"
	"github.com/2389/coven-relay/internal/queue"
	"github.com/2389/coven-relay/internal/session"
	"github.com/2389/coven-relay/internal/store"
	"github.com/2389/coven-relay/internal/usage"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                                _
  ___ _____   _____ _ __        _ __ ___| | __ _ _   _
 / __/ _ \ \ / / _ \ '_ \ _____| '__/ _ \ |/ _' | | | |
| (_| (_) \ V /  __/ | | |_____| | |  __/ | (_| | |_| |
 \___\___/ \_/ \___|_| |_|     |_|  \___|_|\__,_|\__, |
                                                 |___/
`

// getConfigPath returns the path to the relay config file.
// Priority: COVEN_RELAY_CONFIG env var > XDG_CONFIG_HOME/coven/relay.yaml > ~/.config/coven/relay.yaml
func getConfigPath() string {
	if envPath := os.Getenv("COVEN_RELAY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "relay.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "relay.yaml")
}

// getDataPath returns the path to the coven data directory.
// Priority: XDG_DATA_HOME/coven > ~/.local/share/coven
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "coven")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: coven-relay <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve      Start relaying Matrix messages")
		fmt.Println("  init       Create a new config file interactively")
		fmt.Println("  sessions   List stored sessions")
		fmt.Println("  usage      Show token and cost totals")
		fmt.Println("  version    Print the version")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "sessions":
		err = runSessions(ctx)
	case "usage":
		err = runUsage(ctx)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, logCloser := logging.Setup(cfg.Logging)
	defer logCloser.Close()

	dataDir := cfg.Matrix.DataDir
	if dataDir == "" {
		dataDir = getDataPath()
	}

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:     %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Homeserver: %s\n", cfg.Matrix.Homeserver)
	green.Print("    ▶ ")
	fmt.Printf("Backend:    %s (%s)\n", cfg.Backend.Command, cfg.Backend.DefaultModel)
	green.Print("    ▶ ")
	fmt.Printf("Database:   %s\n", cfg.Database.Path)
	if cfg.Matrix.RecoveryKey != "" {
		green.Print("    ▶ ")
		fmt.Println("Encryption: enabled")
	}
	if cfg.Metrics.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Metrics:    http://%s%s\n", cfg.Metrics.Addr, cfg.Metrics.Path)
	}
	fmt.Println()

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}

	registry := session.NewRegistry(st, logger)
	table := backend.NewProcessTable(logger)
	spawner := backend.NewSpawner(cfg.Backend, table, logger)
	q := queue.New(cfg.Queue.MaxDepth)

	m := metrics.New(
		func() float64 {
			total := 0
			for _, key := range q.Keys() {
				total += q.Depth(key)
			}
			return float64(total)
		},
		func() float64 { return float64(table.Len()) },
	)

	emitter := usage.NewEmitter(usage.FromConfig(cfg.Usage, st), cfg.Usage.Timeout, logger)
	renderer := delivery.NewMarkdownRenderer()

	bridge, err := matrix.NewBridge(cfg.Matrix, renderer, logger)
	if err != nil {
		st.Close()
		return fmt.Errorf("creating bridge: %w", err)
	}

	driver := conversation.New(conversation.Deps{
		Queue:     q,
		Sessions:  registry,
		Backend:   spawner,
		Processes: table,
		Transport: bridge,
		Renderer:  renderer,
		Usage:     emitter,
		Metrics:   m,
	}, conversation.Options{
		DefaultModel:      cfg.Backend.DefaultModel,
		StaleAfter:        cfg.Sessions.StaleAfter,
		KeepaliveInterval: cfg.Delivery.KeepaliveInterval,
		EditInterval:      cfg.Delivery.EditInterval,
		MaxMessageLength:  cfg.Delivery.MaxMessageLength,
		KillGrace:         cfg.Backend.KillGrace,
	}, logger)

	cmds := commands.NewHandler(cfg.Matrix.CommandPrefix, cfg.Backend.DefaultModel, registry, driver, nil, logger)
	bridge.Attach(driver, cmds, nil)

	logger.Info("starting coven-relay",
		"config", configPath,
		"homeserver", cfg.Matrix.Homeserver,
		"backend", cfg.Backend.Command,
	)

	runErr := serve(ctx, cfg, bridge, m, dataDir, logger)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Backend.KillGrace+10*time.Second)
	defer cancel()

	var result *multierror.Error
	if runErr != nil {
		result = multierror.Append(result, runErr)
	}
	if err := driver.Shutdown(shutdownCtx); err != nil {
		result = multierror.Append(result, fmt.Errorf("stopping driver: %w", err))
	}
	if err := bridge.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("closing bridge: %w", err))
	}
	if err := st.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("closing store: %w", err))
	}

	logger.Info("coven-relay stopped")
	return result.ErrorOrNil()
}

// serve logs in and runs the sync loop and metrics endpoint until ctx ends.
func serve(ctx context.Context, cfg *config.Config, bridge *matrix.Bridge, m *metrics.Metrics, dataDir string, logger *slog.Logger) error {
	if err := bridge.Login(ctx); err != nil {
		return fmt.Errorf("matrix login: %w", err)
	}

	if cfg.Matrix.RecoveryKey != "" {
		if err := bridge.EnableEncryption(ctx, dataDir); err != nil {
			return fmt.Errorf("setting up encryption: %w", err)
		}
	} else {
		logger.Info("encryption disabled (no recovery key)")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return bridge.Run(gctx)
	})
	if cfg.Metrics.Enabled {
		g.Go(func() error {
			return m.Serve(gctx, cfg.Metrics.Addr, cfg.Metrics.Path, logger)
		})
	}
	return g.Wait()
}

func openStore() (*store.SQLiteStore, error) {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return store.NewSQLiteStore(cfg.Database.Path)
}

func runSessions(ctx context.Context) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	sessions, err := st.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("listing sessions: %w", err)
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions.")
		return nil
	}

	green := color.New(color.FgGreen)
	gray := color.New(color.FgHiBlack)
	for _, s := range sessions {
		if s.IsActive {
			green.Print("▶ ")
		} else {
			fmt.Print("  ")
		}
		fmt.Printf("%-28s %-10s %5d msgs  ", s.Name, s.Model, s.MessageCount)
		gray.Printf("last active %s  %s\n", s.LastActiveAt.Local().Format("2006-01-02 15:04"), s.BackendConversationID)
	}
	return nil
}

func runUsage(ctx context.Context) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	var filter store.UsageFilter
	if len(os.Args) > 2 {
		filter.SessionName = &os.Args[2]
	}

	stats, err := st.GetUsageStats(ctx, filter)
	if err != nil {
		return fmt.Errorf("loading usage: %w", err)
	}

	cyan := color.New(color.FgCyan)
	cyan.Println("Usage totals")
	fmt.Printf("  exchanges:      %d\n", stats.ExchangeCount)
	fmt.Printf("  input tokens:   %d\n", stats.TotalInput)
	fmt.Printf("  output tokens:  %d\n", stats.TotalOutput)
	fmt.Printf("  cache created:  %d\n", stats.TotalCacheCreation)
	fmt.Printf("  cache read:     %d\n", stats.TotalCacheRead)
	fmt.Printf("  cost:           $%.4f\n", stats.TotalCostUSD)

	recent, err := st.ListRecentUsage(ctx, 10)
	if err != nil {
		return fmt.Errorf("loading recent usage: %w", err)
	}
	if len(recent) == 0 {
		return nil
	}

	fmt.Println()
	cyan.Println("Recent exchanges")
	for _, u := range recent {
		fmt.Printf("  %s  %-24s %6d in %6d out  $%.4f\n",
			u.StartedAt.Local().Format("01-02 15:04"), u.SessionName, u.InputTokens, u.OutputTokens, u.CostUSD)
	}
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)
	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)

	cyan.Print(banner)
	fmt.Println("    Interactive Setup")
	fmt.Println("    -----------------")
	fmt.Println()

	outputFile := prompt(reader, "Config file path", getConfigPath())
	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if !isYes(overwrite) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Matrix ---")
	homeserver := prompt(reader, "Homeserver URL", "https://matrix.org")
	username := prompt(reader, "Username", "")
	password := prompt(reader, "Password", "")
	recoveryKey := prompt(reader, "Recovery key (optional, for E2EE)", "")
	allowedUser := prompt(reader, "Your Matrix user id (only you may talk to the relay)", "")

	fmt.Println("\n--- Backend ---")
	command := prompt(reader, "Backend command", config.DefaultBackendCommand)
	model := prompt(reader, "Default model", config.DefaultModel)

	fmt.Println("\n--- Storage ---")
	dbPath := prompt(reader, "SQLite database path", filepath.Join(getDataPath(), "relay.db"))

	if username == "" || password == "" {
		return errors.New("username and password are required")
	}

	var cfg strings.Builder
	cfg.WriteString("# coven-relay configuration\n")
	cfg.WriteString("# Generated by coven-relay init\n\n")

	cfg.WriteString("matrix:\n")
	cfg.WriteString(fmt.Sprintf("  homeserver: %q\n", homeserver))
	cfg.WriteString(fmt.Sprintf("  username: %q\n", username))
	cfg.WriteString(fmt.Sprintf("  password: %q\n", password))
	if recoveryKey != "" {
		cfg.WriteString(fmt.Sprintf("  recovery_key: %q\n", recoveryKey))
	}
	if allowedUser != "" {
		cfg.WriteString(fmt.Sprintf("  allowed_users: [%q]\n", allowedUser))
	}
	cfg.WriteString("\n")

	cfg.WriteString("backend:\n")
	cfg.WriteString(fmt.Sprintf("  command: %q\n", command))
	cfg.WriteString(fmt.Sprintf("  default_model: %q\n", model))
	cfg.WriteString("  timeout: \"10m\"\n")
	cfg.WriteString("  kill_grace: \"5s\"\n\n")

	cfg.WriteString("queue:\n  max_depth: 5\n\n")
	cfg.WriteString("sessions:\n  stale_after: \"12h\"\n\n")
	cfg.WriteString("delivery:\n  edit_interval: \"1.5s\"\n  keepalive_interval: \"20s\"\n  max_message_length: 4000\n\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: %q\n\n", dbPath))

	cfg.WriteString("logging:\n  level: \"info\"\n  format: \"text\"\n\n")
	cfg.WriteString("metrics:\n  enabled: false\n  addr: \"localhost:9464\"\n  path: \"/metrics\"\n")

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Println()
	green.Printf("    ✓ Config written to %s\n", outputFile)
	fmt.Println()
	fmt.Println("    Next steps:")
	fmt.Println("    1. Run: coven-relay serve")
	fmt.Println()
	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)
	if input == "" {
		return defaultVal
	}
	return input
}

func isYes(s string) bool {
	s = strings.ToLower(s)
	return s == "y" || s == "yes"
}
