// Package config binds the process's command-line knobs the way
// harpoon-scheduler/main.go does: a flat set of flag.FlagSet variables,
// no config-file layer, parsed once at startup.
package config

import (
	"flag"
	"fmt"
	"strings"
	"time"
)

// Config is every knob the global scheduler process parses, gathered in
// one place. cmd/globalscheduler wires the HTTP, raft, store and
// RateLimitCapacity fields into their collaborators; HeartbeatInterval,
// MaxMissedHeartbeats, ReadinessTimeout, MaxForwardKillRetries and
// RescheduleInterval are parsed but not passed on, and the components
// they name run on their own built-in values.
type Config struct {
	// HTTP surface.
	Listen string

	// Raft leader election.
	NodeID        string
	RaftBindAddr  string
	RaftDataDir   string
	RaftBootstrap bool
	RaftPeers     peerList // NodeID=raftAddr=httpAddr triples

	// Backing store.
	StoreBackend  string // "memory" or "etcd"
	EtcdEndpoints stringList
	EtcdDialTimeout time.Duration

	// Instance Controller (C6).
	RateLimitCapacity   int
	HeartbeatInterval   time.Duration
	MaxMissedHeartbeats int
	ReadinessTimeout    time.Duration

	// Signal Router (C7).
	MaxForwardKillRetries int

	// Resource Group Manager (C8).
	RescheduleInterval time.Duration
}

// stringList is a flag.Value collecting repeated -etcd.endpoint flags,
// grounded in main.go's multiagent flag.Value.
type stringList []string

func (l *stringList) String() string { return strings.Join(*l, ",") }
func (l *stringList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

// peerList is a flag.Value collecting repeated -raft.peer
// NodeID=raftAddr=httpAddr triples, used to populate
// leader.RaftConfig.PeerHTTPAddrs.
type peerList []string

func (l *peerList) String() string { return strings.Join(*l, ",") }
func (l *peerList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

// Parse binds flags on fs and parses args, returning the populated
// Config. Split out from main() so tests can exercise flag parsing
// without touching the process-wide flag.CommandLine.
func Parse(fs *flag.FlagSet, args []string) (*Config, error) {
	cfg := &Config{}

	fs.StringVar(&cfg.Listen, "listen", ":8080", "HTTP listen address")

	fs.StringVar(&cfg.NodeID, "node.id", "node-1", "this node's raft node ID")
	fs.StringVar(&cfg.RaftBindAddr, "raft.bind", ":7000", "raft transport bind address")
	fs.StringVar(&cfg.RaftDataDir, "raft.data", "./data/raft", "raft log/snapshot directory")
	fs.BoolVar(&cfg.RaftBootstrap, "raft.bootstrap", false, "bootstrap a new single-node raft cluster")
	fs.Var(&cfg.RaftPeers, "raft.peer", "repeatable nodeID=raftAddr=httpAddr triple for PeerHTTPAddrs resolution")

	fs.StringVar(&cfg.StoreBackend, "store.backend", "memory", "backing store: memory or etcd")
	fs.Var(&cfg.EtcdEndpoints, "etcd.endpoint", "repeatable etcd client endpoint")
	fs.DurationVar(&cfg.EtcdDialTimeout, "etcd.dial.timeout", 5*time.Second, "etcd client dial timeout")

	fs.IntVar(&cfg.RateLimitCapacity, "ratelimit.capacity", 100, "per-tenant token bucket capacity (instance create requests/sec)")
	fs.DurationVar(&cfg.HeartbeatInterval, "heartbeat.interval", 3*time.Second, "instance heartbeat poll interval")
	fs.IntVar(&cfg.MaxMissedHeartbeats, "heartbeat.max.missed", 3, "missed heartbeats before an instance is marked FAILED")
	fs.DurationVar(&cfg.ReadinessTimeout, "readiness.timeout", 30*time.Second, "how long to poll a freshly-deployed instance for readiness")

	fs.IntVar(&cfg.MaxForwardKillRetries, "signal.forward.max.retries", 3, "max retries forwarding a kill/signal to the owning Local")

	fs.DurationVar(&cfg.RescheduleInterval, "rgroup.reschedule.interval", 5*time.Second, "retry interval for rescheduling a bundle after agent failure")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if cfg.StoreBackend != "memory" && cfg.StoreBackend != "etcd" {
		return nil, fmt.Errorf("config: store.backend must be \"memory\" or \"etcd\", got %q", cfg.StoreBackend)
	}
	if cfg.StoreBackend == "etcd" && len(cfg.EtcdEndpoints) == 0 {
		return nil, fmt.Errorf("config: store.backend=etcd requires at least one -etcd.endpoint")
	}
	return cfg, nil
}

// PeerHTTPAddrs parses the -raft.peer triples into the raftAddr ->
// httpAddr map leader.RaftConfig.PeerHTTPAddrs expects.
func (c *Config) PeerHTTPAddrs() (map[string]string, error) {
	out := map[string]string{}
	for _, p := range c.RaftPeers {
		parts := strings.SplitN(p, "=", 3)
		if len(parts) != 3 {
			return nil, fmt.Errorf("config: -raft.peer %q must be nodeID=raftAddr=httpAddr", p)
		}
		out[parts[1]] = parts[2]
	}
	return out, nil
}
