package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/streamdl/internal/api"
	"github.com/kalambet/streamdl/internal/config"
	"github.com/kalambet/streamdl/internal/ytdlp"
)

// --- doctor ---

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check that the extraction toolchain is installed",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		statuses := ytdlp.CheckBinaries(ytdlp.Requirements(ytdlp.Options{
			Binary:         cfg.Toolchain.YtDlpPath,
			FFmpegLocation: cfg.Toolchain.FFmpegPath,
		}))
		fmt.Fprintln(cmd.OutOrStdout(), doctorTable(statuses))

		var missing int
		for _, st := range statuses {
			if !st.Available && !st.Optional {
				missing++
			}
		}
		if missing > 0 {
			return fmt.Errorf("%d required binaries missing", missing)
		}
		printSuccess("Toolchain ready")
		return nil
	},
}

func doctorTable(statuses []ytdlp.BinaryStatus) string {
	rows := make([][]string, 0, len(statuses))
	for _, st := range statuses {
		state := colorize(colorGreen, "ok")
		detail := st.Path
		if !st.Available {
			state = colorize(colorRed, "missing")
			detail = st.Detail
		}
		rows = append(rows, []string{st.Name, state, detail, st.Description})
	}
	return renderTable([]string{"Binary", "Status", "Location", "Used for"}, rows, nil)
}

// --- probe ---

var probeCmd = &cobra.Command{
	Use:   "probe <url>",
	Short: "Inspect a media URL without downloading it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		printStep("Probing %s", args[0])
		return runProbe(ctx, newToolchain(cfg), args[0], cmd.OutOrStdout())
	},
}

func runProbe(ctx context.Context, prober api.Prober, url string, w io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	info, err := prober.Probe(ctx, url)
	if err != nil {
		return fmt.Errorf("probe failed: %w", err)
	}

	kind := "single item"
	if info.IsMulti() {
		kind = fmt.Sprintf("collection of %d items", info.Entries)
	}
	fmt.Fprintln(w, renderTable([]string{"Field", "Value"}, [][]string{
		{"Title", info.Title},
		{"ID", info.ID},
		{"Type", info.Type},
		{"Shape", kind},
	}, nil))
	return nil
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), configTable(config.ShowAll(cfg)))
		printStatus("Config file", "%s", config.Path())
		return nil
	},
}

func configTable(keys []config.KeyInfo) string {
	rows := make([][]string, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, []string{k.Key, k.Value, k.EnvVar})
	}
	return renderTable([]string{"Key", "Value", "Environment"}, rows, nil)
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

// --- mcp ---

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the MCP tools over stdio",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Prober: newToolchain(cfg),
			Requirements: ytdlp.Requirements(ytdlp.Options{
				Binary:         cfg.Toolchain.YtDlpPath,
				FFmpegLocation: cfg.Toolchain.FFmpegPath,
			}),
			Version: version,
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("MCP stdio server: %w", err)
		}
		return nil
	},
}
