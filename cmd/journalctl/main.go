package main

import (
	"fmt"
	"math"
	"os"

	"github.com/spf13/cobra"

	"github.com/downfa11-org/go-journal/pkg/config"
	"github.com/downfa11-org/go-journal/pkg/journal"
	"github.com/downfa11-org/go-journal/util"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "journalctl",
		Short:        "Inspect, repair and move a journal directory",
		Long:         "journalctl works on a stopped journal: it reads entries, verifies and repairs the segment files and exports or imports state snapshots.",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			level, _ := cmd.Flags().GetString("log-level")
			util.SetLevel(util.ParseLogLevel(level))
		},
	}
	root.PersistentFlags().String("dir", "journal-data", "Journal data directory")
	root.PersistentFlags().String("config", os.Getenv("CONFIG_PATH"), "YAML/JSON config file of the journal daemon")
	root.PersistentFlags().String("log-level", "warn", "Log level: debug|info|warn|error")
	root.PersistentFlags().UintSlice("partitions", nil, "Tracked partitions, comma separated (default from config)")

	root.AddCommand(
		newInfoCommand(),
		newReadCommand(),
		newTermsCommand(),
		newVerifyCommand(),
		newTruncateCommand(),
		newCompactCommand(),
		newSnapshotCommand(),
	)
	return root
}

// loadConfig resolves the daemon config; explicit --dir and --partitions win
// over the file.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := &config.Config{}
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		loaded, err := config.LoadFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if dir, _ := cmd.Flags().GetString("dir"); cmd.Flags().Changed("dir") || cfg.DataDir == "" {
		cfg.DataDir = dir
	}
	if cmd.Flags().Changed("partitions") {
		ps, _ := cmd.Flags().GetUintSlice("partitions")
		cfg.Partitions = cfg.Partitions[:0]
		for _, p := range ps {
			if p > math.MaxUint16 {
				return nil, fmt.Errorf("invalid partition %d", p)
			}
			cfg.Partitions = append(cfg.Partitions, uint16(p))
		}
	}
	cfg.Normalize()
	return cfg, nil
}

// openJournal opens the journal with everything committed, so partition reads
// and compaction see the whole log.
func openJournal(cmd *cobra.Command) (*journal.Journal, *config.Config, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	j, err := journal.Open(cfg.DataDir, math.MaxUint64, cfg.JournalOptions())
	if err != nil {
		return nil, nil, err
	}
	return j, cfg, nil
}
