package config

import (
	"flag"
	"testing"
	"time"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse(flag.NewFlagSet("test", flag.ContinueOnError), nil)
	if err != nil {
		t.Fatalf("Parse: %s", err)
	}
	if cfg.Listen != ":8080" {
		t.Errorf("Listen = %q, want :8080", cfg.Listen)
	}
	if cfg.StoreBackend != "memory" {
		t.Errorf("StoreBackend = %q, want memory", cfg.StoreBackend)
	}
	if cfg.MaxMissedHeartbeats != 3 {
		t.Errorf("MaxMissedHeartbeats = %d, want 3", cfg.MaxMissedHeartbeats)
	}
}

func TestParseRejectsEtcdWithoutEndpoints(t *testing.T) {
	_, err := Parse(flag.NewFlagSet("test", flag.ContinueOnError), []string{"-store.backend=etcd"})
	if err == nil {
		t.Fatal("expected error for etcd backend with no endpoints")
	}
}

func TestParsePeerHTTPAddrs(t *testing.T) {
	cfg, err := Parse(flag.NewFlagSet("test", flag.ContinueOnError), []string{
		"-raft.peer=node-1=10.0.0.1:7000=10.0.0.1:8080",
		"-raft.peer=node-2=10.0.0.2:7000=10.0.0.2:8080",
	})
	if err != nil {
		t.Fatalf("Parse: %s", err)
	}
	addrs, err := cfg.PeerHTTPAddrs()
	if err != nil {
		t.Fatalf("PeerHTTPAddrs: %s", err)
	}
	if addrs["10.0.0.1:7000"] != "10.0.0.1:8080" {
		t.Errorf("unexpected mapping: %+v", addrs)
	}
	if len(addrs) != 2 {
		t.Errorf("expected 2 entries, got %d", len(addrs))
	}
}

func TestParseHeartbeatInterval(t *testing.T) {
	cfg, err := Parse(flag.NewFlagSet("test", flag.ContinueOnError), []string{"-heartbeat.interval=5s"})
	if err != nil {
		t.Fatalf("Parse: %s", err)
	}
	if cfg.HeartbeatInterval != 5*time.Second {
		t.Errorf("HeartbeatInterval = %s, want 5s", cfg.HeartbeatInterval)
	}
}
