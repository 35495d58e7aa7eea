package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"strconv"

	dto "github.com/prometheus/client_model/go"
	"github.com/spf13/cobra"

	"github.com/downfa11-org/go-journal/pkg/entry"
	"github.com/downfa11-org/go-journal/pkg/journal"
	"github.com/downfa11-org/go-journal/pkg/metrics"
	"github.com/downfa11-org/go-journal/util"
)

func newInfoCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Print index boundaries, partitions and disk usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			j, _, err := openJournal(cmd)
			if err != nil {
				return err
			}
			defer j.Close()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "path:      %s\n", j.Path())
			fmt.Fprintf(out, "min index: %d\n", j.MinIndex())
			fmt.Fprintf(out, "max index: %d\n", j.MaxIndex())
			for _, dir := range []string{journal.DataDir, journal.IndexDir} {
				size, files, err := dirUsage(filepath.Join(j.Path(), dir))
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%-10s %s in %d segment(s)\n", dir+":", util.FormatSize(size), files)
			}
			for _, p := range j.Partitions() {
				min, err := j.MinIndexOf(p)
				if err != nil {
					return err
				}
				max, err := j.MaxIndexOf(p)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "partition %d: [%d, %d)\n", p, min, max)
			}
			return nil
		},
	}
}

func dirUsage(dir string) (int64, int, error) {
	var size int64
	files := 0
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		size += info.Size()
		if _, err := strconv.ParseUint(d.Name(), 10, 64); err == nil {
			files++
		}
		return nil
	})
	return size, files, err
}

func newReadCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "read <index> [count]",
		Short: "Print entries starting at index",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid index %q", args[0])
			}
			count := uint64(1)
			if len(args) == 2 {
				if count, err = strconv.ParseUint(args[1], 10, 64); err != nil {
					return fmt.Errorf("invalid count %q", args[1])
				}
			}
			asHex, _ := cmd.Flags().GetBool("hex")

			j, _, err := openJournal(cmd)
			if err != nil {
				return err
			}
			defer j.Close()

			out := cmd.OutOrStdout()
			if cmd.Flags().Changed("partition") {
				p, _ := cmd.Flags().GetUint16("partition")
				for rel := index; rel < index+count; rel++ {
					e, err := j.ReadByPartition(p, rel)
					if err != nil {
						return err
					}
					printEntry(out, rel, e, asHex)
				}
				return nil
			}

			if max := j.MaxIndex(); index+count > max && index < max {
				count = max - index
			}
			for i := index; i < index+count; i++ {
				e, err := j.Read(i)
				if err != nil {
					return err
				}
				printEntry(out, i, e, asHex)
			}
			return nil
		},
	}
	cmd.Flags().Uint16("partition", 0, "Read relative indexes of this partition")
	cmd.Flags().Bool("hex", false, "Print whole payloads as hex")
	return cmd
}

func printEntry(w io.Writer, index uint64, e entry.Entry, asHex bool) {
	payload := e.Payload
	if asHex {
		fmt.Fprintf(w, "%d\tterm=%d\tpartition=%d\tbatch=%d\toffset=%d\t%s\n",
			index, e.Term, e.Partition, e.BatchSize, e.Offset, hex.EncodeToString(payload))
		return
	}
	preview := payload
	if len(preview) > 32 {
		preview = preview[:32]
	}
	fmt.Fprintf(w, "%d\tterm=%d\tpartition=%d\tbatch=%d\toffset=%d\tlen=%d\t%q\n",
		index, e.Term, e.Partition, e.BatchSize, e.Offset, len(payload), preview)
}

func newTermsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "terms",
		Short: "Print the index range of every term",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			j, _, err := openJournal(cmd)
			if err != nil {
				return err
			}
			defer j.Close()

			out := cmd.OutOrStdout()
			min, max := j.MinIndex(), j.MaxIndex()
			if min == max {
				fmt.Fprintln(out, "empty")
				return nil
			}
			start := min
			cur, err := j.GetTerm(min)
			if err != nil {
				return err
			}
			for i := min + 1; i <= max; i++ {
				var term uint32
				if i < max {
					if term, err = j.GetTerm(i); err != nil {
						return err
					}
					if term == cur {
						continue
					}
				}
				fmt.Fprintf(out, "term %d: [%d, %d)\n", cur, start, i)
				start, cur = i, term
			}
			return nil
		},
	}
}

var repairKinds = []string{"segment_gap", "partial_record", "index_dropped", "index_rebuilt", "data_tail"}

func repairCounts() map[string]float64 {
	counts := make(map[string]float64, len(repairKinds))
	for _, kind := range repairKinds {
		m := &dto.Metric{}
		if err := metrics.Repairs.WithLabelValues(kind).Write(m); err == nil {
			counts[kind] = m.GetCounter().GetValue()
		}
	}
	return counts
}

func newVerifyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Repair torn tails and check every entry",
		Long:  "verify opens the journal, which repairs torn or garbage tails left by a crash, then reads every entry and checks that terms never decrease.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			before := repairCounts()
			j, _, err := openJournal(cmd)
			if err != nil {
				return err
			}
			defer j.Close()

			out := cmd.OutOrStdout()
			after := repairCounts()
			for _, kind := range repairKinds {
				if n := after[kind] - before[kind]; n > 0 {
					fmt.Fprintf(out, "repaired: %s x%d\n", kind, int(n))
				}
			}

			var last uint32
			for i := j.MinIndex(); i < j.MaxIndex(); i++ {
				e, err := j.Read(i)
				if err != nil {
					return fmt.Errorf("entry %d: %w", i, err)
				}
				if e.Term < last {
					return fmt.Errorf("entry %d: term %d after term %d", i, e.Term, last)
				}
				last = e.Term
			}
			fmt.Fprintf(out, "ok: %d entries in [%d, %d)\n", j.MaxIndex()-j.MinIndex(), j.MinIndex(), j.MaxIndex())
			return nil
		},
	}
}

func newTruncateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "truncate <index>",
		Short: "Discard every entry at or after index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid index %q", args[0])
			}
			j, _, err := openJournal(cmd)
			if err != nil {
				return err
			}
			defer j.Close()

			max := j.MaxIndex()
			if err := j.Truncate(index); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "truncated %d entries, max index %d\n", max-j.MaxIndex(), j.MaxIndex())
			return nil
		},
	}
}

func newCompactCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "compact <index>",
		Short: "Discard whole segments below index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid index %q", args[0])
			}
			j, _, err := openJournal(cmd)
			if err != nil {
				return err
			}
			defer j.Close()

			if err := j.Compact(index); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "min index %d\n", j.MinIndex())
			return nil
		},
	}
}
