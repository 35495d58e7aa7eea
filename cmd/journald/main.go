package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/downfa11-org/go-journal/pkg/config"
	"github.com/downfa11-org/go-journal/pkg/journal"
	"github.com/downfa11-org/go-journal/pkg/metrics"
	"github.com/downfa11-org/go-journal/pkg/replication"
	"github.com/downfa11-org/go-journal/pkg/state"
	"github.com/downfa11-org/go-journal/util"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	util.Info("starting journal in %s (segment %s, partitions %v)",
		cfg.DataDir, util.FormatSize(int64(cfg.JournalSegmentSize)), cfg.Partitions)

	j, err := journal.Open(cfg.DataDir, cfg.CommitIndex, cfg.JournalOptions())
	if err != nil {
		util.Fatal("failed to open journal: %v", err)
	}
	st, err := state.Recover(cfg.DataDir, nil)
	if err != nil {
		util.Fatal("failed to recover state: %v", err)
	}
	flusher := j.StartFlusher(cfg.FlushInterval())

	if cfg.EnableExporter {
		metrics.StartMetricsServer(cfg.ExporterPort)
	}

	var node *replication.Node
	if cfg.RaftEnabled {
		fsm := replication.NewJournalFSM(j, st, int(cfg.SnapshotChunkSize), cfg.Compression(), nil)
		node, err = replication.NewNode(replication.NodeConfig{
			ID:            cfg.NodeID,
			BindAddr:      cfg.RaftBindAddr,
			AdvertiseAddr: cfg.RaftAdvertiseAddr,
			Dir:           cfg.DataDir,
			LogLevel:      cfg.LogLevel.String(),
			Peers:         cfg.RaftPeers,
			Bootstrap:     cfg.BootstrapCluster,
			Partition:     cfg.Partitions[0],
		}, j, fsm)
		if err != nil {
			util.Fatal("failed to start raft: %v", err)
		}
		util.Info("raft node %s listening on %s", cfg.NodeID, cfg.RaftBindAddr)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	<-ctx.Done()
	util.Info("shutting down")

	if node != nil {
		if err := node.Shutdown(); err != nil {
			util.Error("raft shutdown: %v", err)
		}
	}
	flusher.Stop()
	if err := j.Close(); err != nil {
		util.Error("failed to close journal: %v", err)
		os.Exit(1)
	}
	_ = util.Logger().Sync()
}
