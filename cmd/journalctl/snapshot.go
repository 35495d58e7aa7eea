package main

import (
	"bufio"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/downfa11-org/go-journal/pkg/replication"
	"github.com/downfa11-org/go-journal/pkg/state"
	"github.com/downfa11-org/go-journal/util"
)

func newSnapshotCommand() *cobra.Command {
	snapshotCmd := &cobra.Command{Use: "snapshot", Short: "Move the state directory as a framed snapshot file"}
	snapshotCmd.AddCommand(newSnapshotExportCommand(), newSnapshotImportCommand())
	return snapshotCmd
}

func newSnapshotExportCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export <file>",
		Short: "Write the state directory to file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			codec := cfg.Compression()
			if cmd.Flags().Changed("compression") {
				name, _ := cmd.Flags().GetString("compression")
				if codec, err = util.ParseCompression(name); err != nil {
					return err
				}
			}
			st, err := state.Recover(cfg.DataDir, nil)
			if err != nil {
				return err
			}

			f, err := os.Create(args[0])
			if err != nil {
				return err
			}
			w := bufio.NewWriter(f)
			n, err := replication.NewStateSnapshot(st, int(cfg.SnapshotChunkSize), codec).WriteTo(w)
			if err == nil {
				err = w.Flush()
			}
			if err == nil {
				err = f.Sync()
			}
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return fmt.Errorf("export snapshot: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exported %s to %s (%s)\n", util.FormatSize(n), args[0], codec)
			return nil
		},
	}
	cmd.Flags().String("compression", "", "Frame compression: none|gzip|snappy|lz4 (default from config)")
	return cmd
}

func newSnapshotImportCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Replace the state directory with a snapshot file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			st, err := state.Recover(cfg.DataDir, nil)
			if err != nil {
				return err
			}

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			if err := replication.Restore(bufio.NewReader(f), st); err != nil {
				return fmt.Errorf("import snapshot: %w", err)
			}

			meta, err := st.Metadata()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported snapshot %s: %d file(s), %s\n", meta.ID, meta.Files, util.FormatSize(meta.Size))
			return nil
		},
	}
}
