// Package store defines the consistent key-value store contract the
// global scheduler treats as an external collaborator: Get,
// Put, Delete, Watch, and a mod-revision CAS Txn. The production
// adapter wraps go.etcd.io/etcd/client/v3; tests run against the
// in-memory fake in memory.go.
package store

import "context"

// KV is a single key/value/mod-revision observation.
type KV struct {
	Key         string
	Value       []byte
	ModRevision int64
}

// EventType distinguishes Watch events.
type EventType int

const (
	EventPut EventType = iota
	EventDelete
)

// Event is a single change delivered by Watch.
type Event struct {
	Type EventType
	KV   KV
}

// GetOptions configures Get.
type GetOptions struct {
	Prefix bool
}

// PutOptions configures Put.
type PutOptions struct {
	// PrevKV makes the etcd adapter send the put WithPrevKV; Put returns
	// only the new revision, so the previous value is not surfaced.
	PrevKV bool
	// LeaseID, if non-zero, attaches the put to an existing lease.
	LeaseID int64
}

// DeleteOptions configures Delete.
type DeleteOptions struct {
	Prefix bool
}

// WatchOptions configures Watch.
type WatchOptions struct {
	Prefix bool
}

// Compare is one clause of a Txn's compare list: the value at Key must
// have ModRevision == ExpectedModRevision for the Txn to take its
// "then" branch.
type Compare struct {
	Key                 string
	ExpectedModRevision int64
}

// Op is one operation in a Txn's then/else branch.
type Op struct {
	Kind    OpKind
	Key     string
	Value   []byte
	LeaseID int64
}

// OpKind distinguishes Txn operations.
type OpKind int

const (
	OpPut OpKind = iota
	OpDelete
)

// PutOp builds a Txn put operation.
func PutOp(key string, value []byte) Op { return Op{Kind: OpPut, Key: key, Value: value} }

// DeleteOp builds a Txn delete operation.
func DeleteOp(key string) Op { return Op{Kind: OpDelete, Key: key} }

// TxnResult reports whether the Txn's compare list succeeded and, if
// so, the resulting mod-revision of the affected keys.
type TxnResult struct {
	Succeeded   bool
	ModRevision int64
}

// Store is the external consistent key-value store contract.
type Store interface {
	Get(ctx context.Context, key string, opts GetOptions) ([]KV, error)
	Put(ctx context.Context, key string, value []byte, opts PutOptions) (modRevision int64, err error)
	Delete(ctx context.Context, key string, opts DeleteOptions) error
	Watch(ctx context.Context, key string, opts WatchOptions) (<-chan Event, error)
	Txn(ctx context.Context, compare []Compare, then, els []Op) (TxnResult, error)
	// Healthy reports the store's last-observed connectivity state, for
	// components that gate behavior on OnHealthyStatus.
	Healthy() bool
}

// HealthWatcher is implemented by Store adapters that can push
// connectivity transitions to interested actors.
type HealthWatcher interface {
	OnHealthyStatus(func(healthy bool))
}
