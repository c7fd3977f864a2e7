package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wioota/devloop/pkg/config"
	"github.com/wioota/devloop/pkg/log"
	"github.com/wioota/devloop/pkg/manager"
	"github.com/wioota/devloop/pkg/metrics"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var cfg *config.Config

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "devloop",
	Short: "devloop - a local development feedback daemon",
	Long: `devloop watches your working tree, runs configured agents
(linters, formatters, test runners, scanners) on the changes, and keeps
their findings in a tiered context store that coding assistants and CLI
commands read.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"devloop version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", "", "Path to config file (default: .devloop.yaml if present)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(findingsCmd)
}

func loadConfig(cmd *cobra.Command) error {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		if _, err := os.Stat(".devloop.yaml"); err == nil {
			path = ".devloop.yaml"
		}
	}

	var err error
	if path == "" {
		cfg = config.Default()
	} else {
		cfg, err = config.Load(path)
		if err != nil {
			return err
		}
	}

	logLevel, _ := cmd.Flags().GetString("log-level")
	logJSON, _ := cmd.Flags().GetBool("log-json")
	if logLevel == "info" && cfg.Logging.Level != "" {
		logLevel = cfg.Logging.Level
	}

	logFile := cfg.Logging.File
	if logFile != "" && !filepath.IsAbs(logFile) {
		logFile = filepath.Join(cfg.DataDir, "logs", logFile)
		if err := os.MkdirAll(filepath.Dir(logFile), 0755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON || cfg.Logging.JSON,
		File:       logFile,
		Rotation: log.Rotation{
			MaxSizeMB:  cfg.Logging.Rotation.MaxSize,
			MaxBackups: cfg.Logging.Rotation.MaxBackups,
			MaxAgeDays: cfg.Logging.Rotation.MaxAgeDays,
			Compress:   cfg.Logging.Rotation.Compress,
		},
	})
	return nil
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the devloop daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := loadConfig(cmd); err != nil {
			return err
		}
		if !cfg.Enabled {
			return fmt.Errorf("devloop is disabled in configuration")
		}

		metrics.SetVersion(Version)

		mgr, err := manager.New(cfg)
		if err != nil {
			return fmt.Errorf("failed to construct manager: %w", err)
		}

		ctx := context.Background()
		if err := mgr.Start(ctx); err != nil {
			return fmt.Errorf("failed to start manager: %w", err)
		}

		go func() {
			if err := mgr.ServeControl(); err != nil {
				log.Errorf("Control listener failed", err)
			}
		}()

		fmt.Printf("devloop running (control: %s, data: %s)\n", cfg.ControlAddr, cfg.DataDir)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		fmt.Println("\nShutting down...")
		return mgr.Stop()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon and per-agent status",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := loadConfig(cmd); err != nil {
			return err
		}

		var report manager.StatusReport
		if err := controlGet("/status", nil, &report); err != nil {
			return fmt.Errorf("daemon not reachable at %s: %w", cfg.ControlAddr, err)
		}

		fmt.Printf("Queue depth: %d   Slots: %d/%d\n\n",
			report.QueueDepth, report.SlotsInUse, report.SlotsTotal)
		fmt.Printf("%-20s %-8s %-8s %-8s %s\n", "AGENT", "ENABLED", "PAUSED", "BACKLOG", "INVOCATIONS")
		for _, a := range report.Agents {
			fmt.Printf("%-20s %-8t %-8t %-8d %d\n",
				a.Name, a.Enabled, a.Paused, a.Backlog, a.Stats.Invocations)
		}
		return nil
	},
}

var pauseCmd = &cobra.Command{
	Use:   "pause [agents...]",
	Short: "Pause all agents, or only the named ones",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := loadConfig(cmd); err != nil {
			return err
		}
		return controlPost("/pause", args)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume [agents...]",
	Short: "Resume all agents, or only the named ones",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := loadConfig(cmd); err != nil {
			return err
		}
		return controlPost("/resume", args)
	},
}

var findingsCmd = &cobra.Command{
	Use:   "findings",
	Short: "Show the context index and immediate findings",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := loadConfig(cmd); err != nil {
			return err
		}

		// Prefer the on-disk index; it is the contract external readers
		// use and works while the daemon is down.
		indexPath := filepath.Join(cfg.DataDir, "context", "index.json")
		data, err := os.ReadFile(indexPath)
		if err != nil {
			return fmt.Errorf("no context index at %s: %w", indexPath, err)
		}

		var pretty map[string]any
		if err := json.Unmarshal(data, &pretty); err != nil {
			return fmt.Errorf("context index unreadable: %w", err)
		}
		out, _ := json.MarshalIndent(pretty, "", "  ")
		fmt.Println(string(out))

		immediatePath := filepath.Join(cfg.DataDir, "context", "immediate.json")
		data, err = os.ReadFile(immediatePath)
		if err != nil {
			return fmt.Errorf("no immediate tier at %s: %w", immediatePath, err)
		}
		var immediate []any
		if err := json.Unmarshal(data, &immediate); err != nil {
			return fmt.Errorf("immediate tier unreadable: %w", err)
		}
		out, _ = json.MarshalIndent(immediate, "", "  ")
		fmt.Println(string(out))
		return nil
	},
}

func controlGet(path string, query url.Values, out any) error {
	u := "http://" + cfg.ControlAddr + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	resp, err := http.Get(u)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func controlPost(path string, agents []string) error {
	u := "http://" + cfg.ControlAddr + path
	if len(agents) > 0 {
		u += "?agents=" + url.QueryEscape(strings.Join(agents, ","))
	}
	resp, err := http.Post(u, "application/json", nil)
	if err != nil {
		return fmt.Errorf("daemon not reachable at %s: %w", cfg.ControlAddr, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	fmt.Println("ok")
	return nil
}
