package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/downfa11-org/go-journal/pkg/journal"
	"github.com/downfa11-org/go-journal/util"
)

const (
	defaultDataDir      = "journal-data"
	defaultRaftBindAddr = "0.0.0.0:9001"

	minSegmentSize = 1024
)

// ByteSize accepts either a byte count or a "64MiB" style string in config files.
type ByteSize int64

func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var n int64
	if err := value.Decode(&n); err == nil {
		*b = ByteSize(n)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("size must be a number or a string like 64MiB")
	}
	v := util.ParseSize(s, -1)
	if v < 0 {
		return fmt.Errorf("invalid size %q", s)
	}
	*b = ByteSize(v)
	return nil
}

func (b *ByteSize) UnmarshalJSON(data []byte) error {
	var n int64
	if err := json.Unmarshal(data, &n); err == nil {
		*b = ByteSize(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("size must be a number or a string like 64MiB")
	}
	v := util.ParseSize(s, -1)
	if v < 0 {
		return fmt.Errorf("invalid size %q", s)
	}
	*b = ByteSize(v)
	return nil
}

func (cfg *Config) Normalize() {
	// storage
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = defaultDataDir
	}
	if cfg.JournalSegmentSize < minSegmentSize {
		if cfg.JournalSegmentSize != 0 {
			util.Warn("journal_segment_size %d is below %d bytes, using the default", cfg.JournalSegmentSize, minSegmentSize)
		}
		cfg.JournalSegmentSize = 128 << 20
	}
	if cfg.IndexSegmentRecords <= 0 {
		cfg.IndexSegmentRecords = journal.DefaultIndexSegmentRecords
	}
	if len(cfg.Partitions) == 0 {
		cfg.Partitions = []uint16{0}
	}
	if cfg.FlushIntervalMS <= 0 {
		cfg.FlushIntervalMS = int(journal.DefaultFlushInterval / time.Millisecond)
	}

	if cfg.ExporterPort <= 0 {
		cfg.ExporterPort = 9100
	}

	// snapshot transfer
	if cfg.SnapshotChunkSize <= 0 {
		cfg.SnapshotChunkSize = 1 << 20
	}
	cfg.SnapshotCompression = strings.ToLower(strings.TrimSpace(cfg.SnapshotCompression))
	if _, err := util.ParseCompression(cfg.SnapshotCompression); err != nil {
		util.Warn("Invalid snapshot_compression '%s', defaulting to 'none'", cfg.SnapshotCompression)
		cfg.SnapshotCompression = "none"
	}
	if cfg.SnapshotCompression == "" {
		cfg.SnapshotCompression = "none"
	}

	// replication
	if strings.TrimSpace(cfg.RaftBindAddr) == "" {
		cfg.RaftBindAddr = defaultRaftBindAddr
	}
	if strings.TrimSpace(cfg.RaftAdvertiseAddr) == "" {
		cfg.RaftAdvertiseAddr = cfg.RaftBindAddr
	}
}

// Validate rejects settings Normalize cannot repair.
func (cfg *Config) Validate() error {
	if cfg.RaftEnabled && strings.TrimSpace(cfg.NodeID) == "" {
		return fmt.Errorf("node_id is required when raft is enabled")
	}
	if cfg.RaftEnabled && strings.HasPrefix(cfg.RaftAdvertiseAddr, "0.0.0.0") {
		return fmt.Errorf("raft_advertise_addr %s is not reachable by peers", cfg.RaftAdvertiseAddr)
	}
	return nil
}

// JournalOptions projects the storage settings.
func (cfg *Config) JournalOptions() journal.Options {
	return journal.Options{
		JournalSegmentSize:  int64(cfg.JournalSegmentSize),
		IndexSegmentRecords: cfg.IndexSegmentRecords,
		Partitions:          append([]uint16(nil), cfg.Partitions...),
	}
}

func (cfg *Config) FlushInterval() time.Duration {
	return time.Duration(cfg.FlushIntervalMS) * time.Millisecond
}

// Compression is the snapshot frame codec; Normalize guarantees it parses.
func (cfg *Config) Compression() util.CompressionCodec {
	c, _ := util.ParseCompression(cfg.SnapshotCompression)
	return c
}

func parsePartitions(s string) ([]uint16, error) {
	var out []uint16
	for _, part := range splitList(s) {
		p, err := strconv.ParseUint(part, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid partition %q", part)
		}
		out = append(out, uint16(p))
	}
	return out, nil
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
