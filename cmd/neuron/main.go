package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mpataki/neuron/internal/config"
	"github.com/mpataki/neuron/internal/doctor"
	"github.com/mpataki/neuron/internal/storage"
	"github.com/mpataki/neuron/internal/tui"
	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "neuron",
		Short:        "Distributed AI agent worker",
		Long:         "Neuron registers with a work queue, runs each work item through a local coding agent and reports the result.",
		RunE:         runStart,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to config.yaml (default: ./config.yaml or ~/.neuron/config.yaml)")

	rootCmd.AddCommand(newStartCommand())
	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newDoctorCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newMonitorCommand())
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, config.ErrNotFound) {
			return nil, fmt.Errorf("%w; run 'neuron init' to create one", err)
		}
		return nil, err
	}
	return cfg, nil
}

func openJournal(cfg *config.Config) (*storage.Storage, error) {
	if cfg.Settings.JournalPath == "" {
		return nil, errors.New("settings.journal_path is empty; the journal is disabled")
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	store, err := storage.New(cfg.Settings.JournalPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	return store, nil
}

func newStartCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Register and start processing work (default)",
		Args:  cobra.NoArgs,
		RunE:  runStart,
	}
}

func newInitCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter config.yaml",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			force, _ := cmd.Flags().GetBool("force")
			path, _ := cmd.Flags().GetString("config")
			if path == "" {
				path = "config.yaml"
			}

			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}

			data, err := config.Example().Marshal()
			if err != nil {
				return err
			}
			if dir := filepath.Dir(path); dir != "." {
				if err := os.MkdirAll(dir, 0755); err != nil {
					return err
				}
			}
			if err := os.WriteFile(path, data, 0600); err != nil {
				return fmt.Errorf("failed to write config: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			fmt.Fprintln(cmd.OutOrStdout(), "Fill in wallet and token, then run 'neuron doctor'.")
			return nil
		},
	}

	cmd.Flags().Bool("force", false, "Overwrite an existing config file")
	return cmd
}

func newDoctorCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration and environment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			report := doctor.Run(cfg)
			report.Print(cmd.OutOrStdout())
			if report.Failed() {
				return errors.New("doctor checks failed")
			}
			return nil
		},
	}
}

func newHistoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent executions from the journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			store, err := openJournal(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			entries, err := store.ListRecent(cmd.Context(), limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintln(out, "No executions found.")
				return nil
			}

			for _, e := range entries {
				outcome := "ok"
				switch {
				case e.TimedOut:
					outcome = "timeout"
				case !e.Success:
					outcome = fmt.Sprintf("failed (exit %d)", e.ExitCode)
				}
				fmt.Fprintf(out, "#%d %s %s [%s] %dms %s\n",
					e.ID, e.CompletedAt.Local().Format("2006-01-02 15:04:05"),
					e.ItemID, outcome, e.DurationMs, e.SubmitStatus)
				if e.Error != "" {
					fmt.Fprintf(out, "    %s\n", truncate(e.Error, 80))
				}
			}

			return nil
		},
	}

	cmd.Flags().IntP("limit", "n", 20, "Number of entries to show")
	return cmd
}

func newMonitorCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "monitor",
		Short: "Watch the execution journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			store, err := openJournal(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			p := tea.NewProgram(tui.NewApp(store), tea.WithAltScreen())
			_, err = p.Run()
			return err
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "neuron %s\n", version)
		},
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
