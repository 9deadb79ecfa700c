package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/qooode/solbot/internal/audit"
	"github.com/qooode/solbot/internal/bus"
	"github.com/qooode/solbot/internal/channel"
	"github.com/qooode/solbot/internal/config"
	"github.com/qooode/solbot/internal/cron"
	"github.com/qooode/solbot/internal/gateway"
	"github.com/qooode/solbot/internal/moderation"
	"github.com/qooode/solbot/internal/oracle"
)

var errNoAPIKey = errors.New("API key not set. Run 'sol onboard' or set SOL_API_KEY / ANTHROPIC_API_KEY")

var rootCmd = &cobra.Command{
	Use:          "sol",
	Short:        "sol - a group chat member that decides when to speak and keeps the peace",
	SilenceUsage: true,
}

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Connect the enabled channels and start handling messages",
	RunE:  runGateway,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Write a default config",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sol status",
	RunE:  runStatus,
}

var decideCmd = &cobra.Command{
	Use:   "decide",
	Short: "Run moderation, addressing and the engagement decision for one message",
	RunE:  runDecide,
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Print recent moderation actions",
	RunE:  runAudit,
}

var (
	verboseFlag bool

	messageFlag      string
	authorFlag       string
	channelFlag      string
	mentionAgentFlag bool
	dmFlag           bool

	limitFlag       int
	auditAuthorFlag string
	auditActionFlag string
	jsonFlag        bool
)

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Log at debug level")

	decideCmd.Flags().StringVarP(&messageFlag, "message", "m", "", "Message content")
	decideCmd.Flags().StringVar(&authorFlag, "author", "cli-user", "Author id")
	decideCmd.Flags().StringVar(&channelFlag, "channel", "cli", "Channel (chat) id")
	decideCmd.Flags().BoolVar(&mentionAgentFlag, "mention-agent", false, "Treat the message as mentioning the bot")
	decideCmd.Flags().BoolVar(&dmFlag, "dm", false, "Treat the message as a direct message")
	_ = decideCmd.MarkFlagRequired("message")

	auditCmd.Flags().IntVar(&limitFlag, "limit", 20, "Number of rows")
	auditCmd.Flags().StringVar(&auditAuthorFlag, "author", "", "Only rows for this author id")
	auditCmd.Flags().StringVar(&auditActionFlag, "action", "", "Only rows with this action (warning, delete, timeout, reset)")
	auditCmd.Flags().BoolVar(&jsonFlag, "json", false, "Print rows as JSON lines")

	rootCmd.AddCommand(gatewayCmd, onboardCmd, statusCmd, decideCmd, auditCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newLogger builds the root logger from the log section. verbose forces
// debug level.
func newLogger(lc config.LogConfig, verbose bool) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if lc.Development {
		zc = zap.NewDevelopmentConfig()
	}
	level := zapcore.InfoLevel
	if lc.Level != "" {
		if err := level.UnmarshalText([]byte(lc.Level)); err != nil {
			return nil, fmt.Errorf("parse log level %q: %w", lc.Level, err)
		}
	}
	if verbose {
		level = zapcore.DebugLevel
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

func runGateway(cmd *cobra.Command, args []string) error {
	path := config.ConfigPath()
	cfg, err := config.LoadFile(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Provider.APIKey == "" {
		return errNoAPIKey
	}

	logger, err := newLogger(cfg.Log, verboseFlag)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return serve(ctx, path, cfg, logger)
}

// serve wires every component and blocks until ctx ends.
func serve(ctx context.Context, path string, cfg *config.Config, logger *zap.Logger) error {
	store := config.NewStore(cfg)

	var sink moderation.AuditSink
	if cfg.Audit.Enabled {
		st, err := audit.Open(config.AuditDBPath(cfg), logger)
		if err != nil {
			return fmt.Errorf("open audit store: %w", err)
		}
		defer st.Close()
		sink = st
	}

	b := bus.NewMessageBus(config.DefaultBufSize)
	b.SetLogger(logger)

	manager, err := channel.NewManager(cfg, b, logger)
	if err != nil {
		return fmt.Errorf("create channels: %w", err)
	}

	gw, err := gateway.New(gateway.Options{
		Config:    store,
		Bus:       b,
		Platforms: manager,
		Oracle:    oracle.NewClient(cfg, oracle.ClientOptions{Logger: logger}),
		Generator: gateway.NewModelGenerator(cfg),
		Audit:     sink,
		Cron:      cron.NewService(logger),
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	watcher := config.NewWatcher(path, store, config.WatcherOptions{
		Logger:   logger,
		OnReload: gw.ApplyConfig,
	})
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config reload disabled", zap.Error(err))
	}
	defer watcher.Stop()

	if err := manager.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}
	defer manager.StopAll()

	logger.Info("gateway started",
		zap.Strings("channels", manager.EnabledChannels()),
		zap.String("name", cfg.Bot.Name),
		zap.Bool("moderation", cfg.Moderation.Enabled))
	return gw.Run(ctx)
}

func runOnboard(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	path := config.ConfigPath()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := config.SaveConfig(path, config.DefaultConfig()); err != nil {
			return err
		}
		fmt.Fprintf(out, "Created config: %s\n", path)
	} else {
		fmt.Fprintf(out, "Config already exists: %s\n", path)
	}

	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintf(out, "  1. Edit %s to set your API key and enable a channel\n", path)
	fmt.Fprintln(out, "  2. Or set SOL_API_KEY / OPENROUTER_API_KEY and SOL_TELEGRAM_TOKEN")
	fmt.Fprintln(out, "  3. Run 'sol decide -m \"hello @sol\"' to test the decision path")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(out, "Config: error (%v)\n", err)
		return nil
	}

	fmt.Fprintf(out, "Config: %s\n", config.ConfigPath())
	fmt.Fprintf(out, "Name: %s\n", cfg.Bot.Name)
	fmt.Fprintf(out, "Provider: %s\n", providerDisplay(cfg.Provider.Type))
	fmt.Fprintf(out, "Model: %s\n", cfg.Agent.Model)
	fmt.Fprintf(out, "API Key: %s\n", maskKey(cfg.Provider.APIKey))
	oracleKey, oracleURL := cfg.OracleCredentials()
	fmt.Fprintf(out, "Oracle: %s at %s (key %s)\n", cfg.Oracle.Model, oracleURL, maskKey(oracleKey))
	fmt.Fprintf(out, "Personality: chatty=%.2f patience=%d formality=%d\n",
		cfg.Personality.Chatty, cfg.Personality.Patience, cfg.Personality.Formality)
	fmt.Fprintf(out, "Moderation: enabled=%v rules=%d threshold=%d timeout=%dm\n",
		cfg.Moderation.Enabled, len(cfg.Moderation.Rules), cfg.Moderation.WarningThreshold, cfg.Moderation.TimeoutMinutes)
	fmt.Fprintf(out, "Telegram: enabled=%v\n", cfg.Channels.Telegram.Enabled)
	fmt.Fprintf(out, "WebUI: enabled=%v (%s:%d)\n", cfg.Channels.WebUI.Enabled, cfg.Gateway.Host, cfg.Gateway.Port)
	if len(cfg.Bot.ActiveChannels) > 0 {
		fmt.Fprintf(out, "Active chats: %s\n", strings.Join(cfg.Bot.ActiveChannels, ", "))
	} else {
		fmt.Fprintln(out, "Active chats: all")
	}

	dbPath := config.AuditDBPath(cfg)
	switch {
	case !cfg.Audit.Enabled:
		fmt.Fprintln(out, "Audit: disabled")
	case fileExists(dbPath):
		fmt.Fprintf(out, "Audit: %s\n", dbPath)
	default:
		fmt.Fprintf(out, "Audit: %s (not created yet)\n", dbPath)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(out, "Problems: %v\n", err)
	}
	return nil
}

func runDecide(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := zap.NewNop()
	if verboseFlag {
		if logger, err = newLogger(cfg.Log, true); err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()
	}

	msg := bus.InboundMessage{
		Channel:    "cli",
		MessageID:  fmt.Sprintf("cli-%d", time.Now().UnixNano()),
		SenderID:   authorFlag,
		SenderName: authorFlag,
		ChatID:     channelFlag,
		Content:    messageFlag,
		IsDM:       dmFlag,
		Timestamp:  time.Now(),
	}
	if mentionAgentFlag {
		msg.MentionNames = []string{cfg.Bot.Name}
	}
	ev, err := decide(cmd.Context(), cfg, msg, logger)
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), ev)
}

// decide evaluates msg against a throwaway gateway built from cfg.
func decide(ctx context.Context, cfg *config.Config, msg bus.InboundMessage, logger *zap.Logger) (gateway.Evaluation, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	client := oracle.NewClient(cfg, oracle.ClientOptions{Logger: logger})
	if !client.Available() {
		logger.Warn("oracle unavailable, every decision uses its default")
	}
	gw, err := gateway.New(gateway.Options{
		Config: config.NewStore(cfg),
		Bus:    bus.NewMessageBus(1),
		Oracle: client,
		Logger: logger,
	})
	if err != nil {
		return gateway.Evaluation{}, fmt.Errorf("create gateway: %w", err)
	}
	return gw.Evaluate(ctx, msg)
}

func runAudit(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	dbPath := config.AuditDBPath(cfg)
	if !fileExists(dbPath) {
		fmt.Fprintf(out, "No audit trail at %s\n", dbPath)
		return nil
	}

	st, err := audit.Open(dbPath, nil)
	if err != nil {
		return fmt.Errorf("open audit store: %w", err)
	}
	defer st.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	entries, err := st.List(ctx, audit.ListParams{
		AuthorID: auditAuthorFlag,
		Action:   audit.Action(auditActionFlag),
		Limit:    limitFlag,
	})
	if err != nil {
		return err
	}
	if jsonFlag {
		enc := json.NewEncoder(out)
		for _, e := range entries {
			if err := enc.Encode(e); err != nil {
				return fmt.Errorf("encode entry: %w", err)
			}
		}
		return nil
	}
	printEntries(out, entries)
	return nil
}

func printEntries(out io.Writer, entries []audit.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(out, "No moderation actions recorded")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tACTION\tAUTHOR\tCHAT\tRULE\tCOUNT\tDETAIL")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			e.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			e.Action, e.AuthorID, e.ChannelID, e.Rule, e.Count, oneLine(e.Detail, 60))
	}
	tw.Flush()
}

func writeJSON(out io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}

func providerDisplay(t string) string {
	if t == "" {
		return "anthropic (default)"
	}
	return t
}

func maskKey(key string) string {
	switch {
	case key == "":
		return "not set"
	case len(key) > 8:
		return key[:4] + "..." + key[len(key)-4:]
	default:
		return "set"
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
