package replication

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/raft"

	"github.com/downfa11-org/go-journal/pkg/metrics"
	"github.com/downfa11-org/go-journal/util"
)

type RaftInterface interface {
	Apply([]byte, time.Duration) raft.ApplyFuture
	AddVoter(raft.ServerID, raft.ServerAddress, uint64, time.Duration) raft.IndexFuture
	RemoveServer(raft.ServerID, uint64, time.Duration) raft.IndexFuture
	Leader() raft.ServerAddress
	State() raft.RaftState
	GetConfiguration() raft.ConfigurationFuture
	BootstrapCluster(raft.Configuration) raft.Future
	Shutdown() raft.Future
}

type NodeConfig struct {
	ID            string
	BindAddr      string
	AdvertiseAddr string
	Dir           string
	LogLevel      string
	Peers         []string // id@host:port
	Bootstrap     bool
	Partition     uint16
}

// Node runs raft with the journal as its log store and the state directory as
// its snapshot payload.
type Node struct {
	raft RaftInterface
	fsm  *JournalFSM

	id        string
	localAddr string

	isLeader atomic.Bool
	leaderCh chan bool
}

func NewNode(cfg NodeConfig, j Journal, fsm *JournalFSM) (*Node, error) {
	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.ID)
	raftCfg.HeartbeatTimeout = 500 * time.Millisecond
	raftCfg.ElectionTimeout = 1500 * time.Millisecond
	raftCfg.CommitTimeout = 100 * time.Millisecond
	if cfg.LogLevel != "" {
		raftCfg.LogLevel = cfg.LogLevel
	}
	notifyCh := make(chan bool, 10)
	raftCfg.NotifyCh = notifyCh

	raftDir := filepath.Join(cfg.Dir, "raft")
	if err := os.MkdirAll(raftDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create raft directory: %w", err)
	}
	stable, err := NewFileStableStore(raftDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open stable store: %w", err)
	}
	snapshots, err := raft.NewFileSnapshotStore(raftDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot store: %w", err)
	}

	advertise, err := net.ResolveTCPAddr("tcp", cfg.AdvertiseAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve advertised address %s: %w", cfg.AdvertiseAddr, err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, advertise, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	r, err := raft.NewRaft(raftCfg, fsm, NewLogStore(j, cfg.Partition), stable, snapshots, transport)
	if err != nil {
		return nil, fmt.Errorf("failed to create raft: %w", err)
	}

	n := newNode(r, fsm, cfg.ID, cfg.AdvertiseAddr)
	go n.observeLeadership(notifyCh)

	if cfg.Bootstrap {
		if err := n.BootstrapCluster(cfg.Peers); err != nil {
			return nil, err
		}
	}
	return n, nil
}

func newNode(r RaftInterface, fsm *JournalFSM, id, localAddr string) *Node {
	return &Node{raft: r, fsm: fsm, id: id, localAddr: localAddr, leaderCh: make(chan bool, 10)}
}

// BootstrapCluster forms a new cluster of this node and peers. It is a no-op
// when a configuration already exists.
func (n *Node) BootstrapCluster(peers []string) error {
	if confFut := n.raft.GetConfiguration(); confFut.Error() == nil {
		if servers := confFut.Configuration().Servers; len(servers) > 0 {
			util.Info("bootstrap skipped: existing configuration present with %d servers", len(servers))
			return nil
		}
	}

	servers, err := parsePeers(n.id, n.localAddr, peers)
	if err != nil {
		return err
	}
	if err := n.raft.BootstrapCluster(raft.Configuration{Servers: servers}).Error(); err != nil {
		return fmt.Errorf("failed to bootstrap cluster: %w", err)
	}
	util.Info("cluster bootstrapped with %d servers", len(servers))
	return nil
}

// parsePeers builds the voter list: the local node first, then every peer given
// as id@host:port. A bare host:port uses the host as id.
func parsePeers(id, localAddr string, peers []string) ([]raft.Server, error) {
	servers := []raft.Server{{ID: raft.ServerID(id), Address: raft.ServerAddress(localAddr), Suffrage: raft.Voter}}
	seen := map[string]bool{id: true}

	for _, peer := range peers {
		peer = strings.TrimSpace(peer)
		if peer == "" || peer == localAddr || peer == id+"@"+localAddr {
			continue
		}

		var peerID, peerAddr string
		switch {
		case strings.Contains(peer, "@"):
			parts := strings.SplitN(peer, "@", 2)
			peerID, peerAddr = parts[0], parts[1]
		case strings.Contains(peer, ":"):
			util.Warn("peer entry '%s' uses host:port format; consider using 'id@addr' to avoid id collisions", peer)
			peerAddr = peer
			peerID = strings.Split(peer, ":")[0]
		default:
			return nil, fmt.Errorf("invalid peer format: %s", peer)
		}
		if peerID == "" || peerAddr == "" {
			return nil, fmt.Errorf("invalid peer format: %s", peer)
		}
		if seen[peerID] {
			return nil, fmt.Errorf("duplicate peer id %s", peerID)
		}
		seen[peerID] = true

		servers = append(servers, raft.Server{
			ID:       raft.ServerID(peerID),
			Address:  raft.ServerAddress(peerAddr),
			Suffrage: raft.Voter,
		})
		util.Debug("bootstrap add peer: id=%s addr=%s", peerID, peerAddr)
	}
	return servers, nil
}

func (n *Node) observeLeadership(notifyCh <-chan bool) {
	for isLeader := range notifyCh {
		n.isLeader.Store(isLeader)
		if isLeader {
			metrics.IsLeader.Set(1)
		} else {
			metrics.IsLeader.Set(0)
		}

		select {
		case n.leaderCh <- isLeader:
		default:
			util.Warn("leadership notification dropped: leaderCh is full, state is still %v", isLeader)
		}
	}
}

func (n *Node) IsLeader() bool { return n.isLeader.Load() }

func (n *Node) LeaderCh() <-chan bool { return n.leaderCh }

func (n *Node) LeaderAddress() string { return string(n.raft.Leader()) }

func (n *Node) FSM() *JournalFSM { return n.fsm }

// Apply replicates data through raft and returns the raft index it was
// committed at together with the apply callback's response.
func (n *Node) Apply(data []byte, timeout time.Duration) (uint64, interface{}, error) {
	future := n.raft.Apply(data, timeout)
	if err := future.Error(); err != nil {
		metrics.ReplicationApplies.WithLabelValues("failure").Inc()
		return 0, nil, fmt.Errorf("raft apply: %w", err)
	}
	metrics.ReplicationApplies.WithLabelValues("success").Inc()
	return future.Index(), future.Response(), nil
}

func (n *Node) AddVoter(id, addr string) error {
	util.Info("adding voter %s at %s", id, addr)
	return n.raft.AddVoter(raft.ServerID(id), raft.ServerAddress(addr), 0, 10*time.Second).Error()
}

func (n *Node) RemoveServer(id string) error {
	return n.raft.RemoveServer(raft.ServerID(id), 0, 10*time.Second).Error()
}

func (n *Node) Shutdown() error {
	if err := n.raft.Shutdown().Error(); err != nil {
		util.Error("failed to shutdown raft: %v", err)
		return err
	}
	util.Info("raft node %s shut down", n.id)
	return nil
}
