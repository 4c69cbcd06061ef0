package leader

import (
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

// noopFSM is a Raft finite-state-machine with nothing to apply: this
// Raft group exists purely to elect the process that runs
// MasterBusiness, not to
// replicate scheduler state (that's the external KV store's job).
type noopFSM struct{}

func (noopFSM) Apply(*raft.Log) interface{}      { return nil }
func (noopFSM) Snapshot() (raft.FSMSnapshot, error) { return noopSnapshot{}, nil }
func (noopFSM) Restore(rc io.ReadCloser) error   { return rc.Close() }

type noopSnapshot struct{}

func (noopSnapshot) Persist(sink raft.SnapshotSink) error { return sink.Close() }
func (noopSnapshot) Release()                              {}

// RaftWatcher is a Watcher backed by a hashicorp/raft group whose only
// purpose is leadership election: the Global Scheduler process group
// runs a small Raft group purely to elect the process that owns
// MasterBusiness.
type RaftWatcher struct {
	raft          *raft.Raft
	peerHTTPAddrs map[string]string

	mu   sync.Mutex
	subs []func(Info)
	cur  Info
}

// RaftConfig configures a single RaftWatcher node.
type RaftConfig struct {
	NodeID    string
	BindAddr  string
	DataDir   string
	Bootstrap bool
	// PeerHTTPAddrs maps each node's raft BindAddr to its HTTP listen
	// address, so a Slave can resolve the current master's HTTP address
	// for read-through forwarding.
	PeerHTTPAddrs map[string]string
}

// NewRaftWatcher starts (or joins) a Raft group for leader election,
// grounded in cuemby-warren's pkg/manager Bootstrap/NewTCPTransport
// pattern.
func NewRaftWatcher(cfg RaftConfig) (*RaftWatcher, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("leader: create data dir: %w", err)
	}

	raftConfig := raft.DefaultConfig()
	raftConfig.LocalID = raft.ServerID(cfg.NodeID)

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("leader: resolve bind addr: %w", err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("leader: new tcp transport: %w", err)
	}

	snapshots, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("leader: new snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.bolt"))
	if err != nil {
		return nil, fmt.Errorf("leader: new log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.bolt"))
	if err != nil {
		return nil, fmt.Errorf("leader: new stable store: %w", err)
	}

	r, err := raft.NewRaft(raftConfig, noopFSM{}, logStore, stableStore, snapshots, transport)
	if err != nil {
		return nil, fmt.Errorf("leader: new raft: %w", err)
	}

	if cfg.Bootstrap {
		r.BootstrapCluster(raft.Configuration{
			Servers: []raft.Server{{ID: raftConfig.LocalID, Address: transport.LocalAddr()}},
		})
	}

	w := &RaftWatcher{raft: r, peerHTTPAddrs: cfg.PeerHTTPAddrs, cur: Info{Role: RoleSlave}}
	go w.watch()
	return w, nil
}

// AddVoter adds another node to the Raft configuration; only the
// current leader's call takes effect.
func (w *RaftWatcher) AddVoter(id, address string) error {
	f := w.raft.AddVoter(raft.ServerID(id), raft.ServerAddress(address), 0, 10*time.Second)
	return f.Error()
}

func (w *RaftWatcher) watch() {
	for isLeader := range w.raft.LeaderCh() {
		role := RoleSlave
		if isLeader {
			role = RoleMaster
		}
		leaderAddr := string(w.raft.Leader())
		info := Info{Role: role, MasterAID: leaderAddr, MasterHTTPAddr: w.peerHTTPAddrs[leaderAddr]}
		w.mu.Lock()
		w.cur = info
		subs := append([]func(Info){}, w.subs...)
		w.mu.Unlock()
		for _, cb := range subs {
			cb(info)
		}
	}
}

func (w *RaftWatcher) Subscribe(cb func(Info)) {
	w.mu.Lock()
	w.subs = append(w.subs, cb)
	cur := w.cur
	w.mu.Unlock()
	cb(cur)
}

func (w *RaftWatcher) Current() Info {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cur
}

// Shutdown gracefully leaves the Raft group.
func (w *RaftWatcher) Shutdown() error {
	return w.raft.Shutdown().Error()
}
