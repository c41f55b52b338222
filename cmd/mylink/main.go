package main

import (
	"context"
	_ "embed"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/lucasb-eyer/go-colorful"
	"golang.org/x/term"

	"github.com/justjake/mylink/pkg/backend"
	"github.com/justjake/mylink/pkg/config"
	"github.com/justjake/mylink/pkg/observability"
)

//go:embed README.md
var readmeMarkdown string

var bannerLines = []string{
	`                    ___       __   `,
	`   ____ ___  __  __/ (_)___  / /__ `,
	`  / __ '__ \/ / / / / / __ \/ //_/ `,
	` / / / / / / /_/ / / / / / / ,<    `,
	`/_/ /_/ /_/\__, /_/_/_/ /_/_/|_|   `,
	`          /____/                   `,
}

func printBanner() {
	// Gradient from teal to purple
	teal, _ := colorful.Hex("#00CED1")
	purple, _ := colorful.Hex("#9B30FF")
	bgColor := lipgloss.Color("#1a1a2e")

	maxWidth := len(bannerLines[0])

	var lines []string
	for _, line := range bannerLines {
		var result strings.Builder
		for i, r := range line {
			t := float64(i) / float64(maxWidth-1)
			c := teal.BlendLuv(purple, t)
			style := lipgloss.NewStyle().
				Foreground(lipgloss.Color(c.Hex())).
				Background(bgColor).
				Bold(true)
			result.WriteString(style.Render(string(r)))
		}
		lines = append(lines, result.String())
	}

	box := lipgloss.NewStyle().
		Background(bgColor).
		Padding(0, 2).
		Render(strings.Join(lines, "\n"))

	fmt.Println(box)
	fmt.Println()
}

var (
	// Styles for usage output
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#00CED1"))

	descStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888"))

	flagStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#9B30FF")).
			Bold(true)

	exampleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888")).
			Italic(true)
)

func printUsage() {
	fmt.Println(titleStyle.Render("Usage:"))
	fmt.Print("  mylink ")
	flag.VisitAll(func(f *flag.Flag) {
		if f.Name == "help" {
			return
		}
		fmt.Printf("%s ", flagStyle.Render("-"+f.Name+" <"+f.Name+">"))
	})
	fmt.Println()
	fmt.Println()

	fmt.Println(titleStyle.Render("Options:"))
	flag.VisitAll(func(f *flag.Flag) {
		typeName := fmt.Sprintf("%T", f.Value)
		// Extract type name from *flag.stringValue -> string
		typeName = strings.TrimPrefix(typeName, "*flag.")
		typeName = strings.TrimSuffix(typeName, "Value")

		fmt.Printf("  %s %s\n",
			flagStyle.Render("-"+f.Name),
			descStyle.Render(typeName))
		fmt.Printf("      %s\n", f.Usage)
	})
	fmt.Println()

	fmt.Println(titleStyle.Render("Example:"))
	fmt.Println(exampleStyle.Render("  mylink -config /etc/mylink/mylink.json"))
	fmt.Println()

	fmt.Println(descStyle.Render("Run 'mylink -help' for full configuration documentation."))
	fmt.Println()
}

func printFullDocs() {
	// Get terminal width, default to 80 if not a terminal
	width := 80
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		width = w
	}

	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		// Fallback to raw markdown
		fmt.Println(readmeMarkdown)
		return
	}

	out, err := renderer.Render(readmeMarkdown)
	if err != nil {
		// Fallback to raw markdown
		fmt.Println(readmeMarkdown)
		return
	}

	fmt.Print(out)
}

func main() {
	configPath := flag.String("config", "", "path to mylink.json config file")
	jsonLogs := flag.Bool("json", false, "output logs in JSON format")
	checkOnly := flag.Bool("check", false, "validate the config and exit")
	showHelp := flag.Bool("help", false, "show full documentation")
	flag.Usage = printUsage
	flag.Parse()

	// Show full docs with -help
	if *showHelp {
		printFullDocs()
		os.Exit(0)
	}

	// Show compact usage when no config provided
	if *configPath == "" {
		printBanner()
		printUsage()
		os.Exit(1)
	}

	// Set up logger
	var handler slog.Handler
	if *jsonLogs {
		handler = slog.NewJSONHandler(os.Stdout, nil)
	} else {
		handler = slog.NewTextHandler(os.Stdout, nil)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	cfg, err := config.ReadConfigFile(*configPath)
	if err != nil {
		logger.Error("failed to read config", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	secrets, err := config.NewSecretCacheFromEnv(ctx)
	if err != nil {
		logger.Error("failed to create secrets cache", "error", err)
		os.Exit(1)
	}

	if err := cfg.Validate(ctx, secrets); err != nil {
		logger.Error("config validation failed", "error", err)
		os.Exit(1)
	}
	logger.Info("config validated", "path", *configPath)

	if cfg.Routing.WaitForMyWrites && !cfg.HasMode(config.ModeReadOnly) {
		logger.Warn("wait_for_my_writes is enabled but no read_only destination is configured")
	}

	if *checkOnly {
		os.Exit(0)
	}

	if err := run(ctx, cfg, secrets, logger); err != nil {
		logger.Error("agent error", "error", err)
		os.Exit(1)
	}
}

// run wires up observability and the destination health monitor, then blocks
// until the process is told to stop.
func run(ctx context.Context, cfg *config.Config, secrets *config.SecretCache, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracers, err := observability.NewTracerProvider(ctx, cfg.OpenTelemetry)
	if err != nil {
		return fmt.Errorf("opentelemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracers.Shutdown(shutdownCtx)
	}()

	recorder := observability.NewFlightRecorderService(cfg.FlightRecorder, logger)
	if err := recorder.Start(ctx); err != nil {
		return err
	}
	defer recorder.Stop()

	metrics := observability.DefaultMetrics()
	metricsServer := observability.NewMetricsServer(cfg.Prometheus, recorder, logger)
	metricsServer.Start()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	dests := make([]*backend.Destination, 0, len(cfg.Destinations))
	for _, dc := range cfg.Destinations {
		mode := backend.ModeReadWrite
		if dc.GetMode() == config.ModeReadOnly {
			mode = backend.ModeReadOnly
		}
		dests = append(dests, backend.NewDestination(dc.Address, mode))
	}
	destinations := backend.NewDestinations(logger, dests...)

	pool := backend.NewPool(cfg.Routing.GetMaxIdleServerConnections(), logger)
	defer pool.Close()

	probeUser, err := secrets.Get(ctx, cfg.Probe.Username)
	if err != nil {
		return fmt.Errorf("probe.username: %w", err)
	}
	probePass, err := secrets.Get(ctx, cfg.Probe.Password)
	if err != nil {
		return fmt.Errorf("probe.password: %w", err)
	}

	monitor := backend.NewHealthMonitor(logger, destinations,
		backend.OpenProbe(probeUser, probePass, cfg.Probe.GetTimeout()),
		backend.HealthConfig{
			Interval:         cfg.Probe.GetInterval(),
			Timeout:          cfg.Probe.GetTimeout(),
			FailureThreshold: cfg.Probe.GetFailureThreshold(),
		})

	go syncGauges(ctx, metrics, destinations, pool, cfg.Probe.GetInterval())

	logger.Info("mylink agent running",
		"destinations", len(dests),
		"connection_sharing", cfg.Routing.ConnectionSharing,
		"metrics", metricsServer.String())

	err = monitor.Run(ctx)
	if err == context.Canceled {
		return nil
	}
	return err
}

// syncGauges keeps the pool and destination gauges current.
func syncGauges(ctx context.Context, metrics *observability.Metrics, dests *backend.Destinations, pool *backend.Pool, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.SetPoolIdle(pool.Len())
			for _, dest := range dests.All() {
				metrics.SetDestinationUp(dest.Address, dest.Available())
			}
		}
	}
}
