package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/downfa11-org/go-journal/util"
)

// Config represents the journal daemon configuration.
type Config struct {
	// Storage
	DataDir             string   `yaml:"data_dir" json:"data.dir"`
	JournalSegmentSize  ByteSize `yaml:"journal_segment_size" json:"journal.segment.size"`
	IndexSegmentRecords int64    `yaml:"index_segment_records" json:"index.segment.records"`
	Partitions          []uint16 `yaml:"partitions" json:"partitions"`
	FlushIntervalMS     int      `yaml:"flush_interval_ms" json:"flush.interval.ms"`
	CommitIndex         uint64   `yaml:"commit_index" json:"commit.index"`

	// Observability
	LogLevel       util.LogLevel `yaml:"log_level" json:"log_level"`
	EnableExporter bool          `yaml:"enable_exporter" json:"enable.exporter"`
	ExporterPort   int           `yaml:"exporter_port" json:"exporter.port"`

	// Snapshot transfer
	SnapshotChunkSize   ByteSize `yaml:"snapshot_chunk_size" json:"snapshot.chunk.size"`
	SnapshotCompression string   `yaml:"snapshot_compression" json:"snapshot.compression"`

	// Replication
	RaftEnabled       bool     `yaml:"raft_enabled" json:"raft.enabled"`
	NodeID            string   `yaml:"node_id" json:"node.id"`
	RaftBindAddr      string   `yaml:"raft_bind_addr" json:"raft.bind.addr"`
	RaftAdvertiseAddr string   `yaml:"raft_advertise_addr" json:"raft.advertise.addr"`
	RaftPeers         []string `yaml:"raft_peers" json:"raft.peers"`
	BootstrapCluster  bool     `yaml:"bootstrap_cluster" json:"bootstrap.cluster"`
}

// LoadConfig reads the process flags, an optional config file and the
// environment.
func LoadConfig() (*Config, error) {
	return Load(flag.CommandLine, os.Args[1:])
}

// Load builds a Config from defaults, then the config file, then the flags that
// were set explicitly on fs.
func Load(fs *flag.FlagSet, args []string) (*Config, error) {
	configPath := fs.String("config", "", "Path to YAML/JSON config file")
	dataDir := fs.String("data-dir", defaultDataDir, "Journal and state directory")
	segmentSize := fs.String("journal-segment-size", "128MiB", "Journal segment size, e.g. 64MiB")
	indexRecords := fs.String("index-segment-records", "1048576", "Index records per index segment")
	partitions := fs.String("partitions", "0", "Comma separated partitions to index")
	flushInterval := fs.String("flush-interval-ms", "50", "Background flush interval in milliseconds")
	logLevel := fs.String("log-level", "info", "Log Level (debug, info, warn, error)")
	exporter := fs.String("exporter", "true", "Enable Prometheus exporter")
	exporterPort := fs.String("exporter-port", "9100", "Exporter port")
	chunkSize := fs.String("snapshot-chunk-size", "1MiB", "Snapshot transfer chunk size")
	compression := fs.String("snapshot-compression", "none", "Snapshot frame compression (none, gzip, snappy, lz4)")
	raftEnabled := fs.String("raft", "false", "Replicate the journal with raft")
	nodeID := fs.String("node-id", "", "Raft server id")
	raftBind := fs.String("raft-bind", defaultRaftBindAddr, "Raft listen address")
	raftAdvertise := fs.String("raft-advertise", "", "Raft address advertised to peers")
	raftPeers := fs.String("raft-peers", "", "Comma separated raft peers as id@host:port")
	bootstrap := fs.String("bootstrap", "false", "Bootstrap a new raft cluster")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" && *configPath == "" {
		*configPath = envPath
	}

	cfg := &Config{}
	apply := func(name string) {
		switch name {
		case "data-dir":
			cfg.DataDir = *dataDir
		case "journal-segment-size":
			cfg.JournalSegmentSize = ByteSize(util.ParseSize(*segmentSize, int64(cfg.JournalSegmentSize)))
		case "index-segment-records":
			cfg.IndexSegmentRecords = int64(util.ParseInt(*indexRecords, int(cfg.IndexSegmentRecords)))
		case "partitions":
			if ps, err := parsePartitions(*partitions); err == nil {
				cfg.Partitions = ps
			} else {
				util.Warn("ignoring -partitions: %v", err)
			}
		case "flush-interval-ms":
			cfg.FlushIntervalMS = util.ParseInt(*flushInterval, cfg.FlushIntervalMS)
		case "log-level":
			cfg.LogLevel = util.ParseLogLevel(*logLevel)
		case "exporter":
			cfg.EnableExporter = util.ParseBool(*exporter, cfg.EnableExporter)
		case "exporter-port":
			cfg.ExporterPort = util.ParseInt(*exporterPort, cfg.ExporterPort)
		case "snapshot-chunk-size":
			cfg.SnapshotChunkSize = ByteSize(util.ParseSize(*chunkSize, int64(cfg.SnapshotChunkSize)))
		case "snapshot-compression":
			cfg.SnapshotCompression = *compression
		case "raft":
			cfg.RaftEnabled = util.ParseBool(*raftEnabled, cfg.RaftEnabled)
		case "node-id":
			cfg.NodeID = *nodeID
		case "raft-bind":
			cfg.RaftBindAddr = *raftBind
		case "raft-advertise":
			cfg.RaftAdvertiseAddr = *raftAdvertise
		case "raft-peers":
			cfg.RaftPeers = splitList(*raftPeers)
		case "bootstrap":
			cfg.BootstrapCluster = util.ParseBool(*bootstrap, cfg.BootstrapCluster)
		}
	}

	// flag defaults first, the file overrides them and explicit flags win
	fs.VisitAll(func(f *flag.Flag) { apply(f.Name) })
	if *configPath != "" {
		if err := loadFile(cfg, *configPath); err != nil {
			return nil, err
		}
	}
	fs.Visit(func(f *flag.Flag) { apply(f.Name) })

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	util.SetLevel(cfg.LogLevel)
	return cfg, nil
}

// LoadFile reads a YAML or JSON config file over the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := &Config{EnableExporter: true}
	if err := loadFile(cfg, path); err != nil {
		return nil, err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if strings.HasSuffix(path, ".json") {
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		return nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}
