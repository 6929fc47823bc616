package cmd

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/amurg-ai/scenegate/internal/config"
	"github.com/amurg-ai/scenegate/internal/gateway"
	"github.com/amurg-ai/scenegate/internal/logging"
)

var (
	bannerTitle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7C3AED"))
	bannerURL   = lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981"))
	bannerMuted = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run [config-file]",
		Short: "Start the gateway (default when no subcommand is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runRun,
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	configPath := resolveConfigPath(cmd, args)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("error: %w", err)
	}

	logger := logging.New(cfg.Logging, os.Stdout)

	g, err := gateway.New(cfg, gateway.Options{}, logger)
	if err != nil {
		return fmt.Errorf("initialize gateway: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("scenegate starting", "version", version, "config", configPath)
	printBanner(os.Stderr, cfg.Server)

	if err := g.Run(ctx); err != nil {
		logger.Error("gateway error", "error", err)
		return err
	}

	logger.Info("gateway stopped")
	return nil
}

// printBanner writes the listening URL, styled when w is a terminal.
func printBanner(w io.Writer, s config.ServerConfig) {
	url := "ws://" + net.JoinHostPort(displayHost(s.Host), strconv.Itoa(s.Port)) + s.WSPath

	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprintf(w, "%s %s %s\n",
			bannerTitle.Render("scenegate "+version),
			bannerMuted.Render("listening on"),
			bannerURL.Render(url))
		return
	}
	fmt.Fprintf(w, "scenegate %s listening on %s\n", version, url)
}

func displayHost(host string) string {
	if host == "" || host == "0.0.0.0" || host == "::" {
		return "localhost"
	}
	return host
}
