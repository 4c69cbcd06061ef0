package leader

import "sync"

// StaticWatcher is a Watcher with a role fixed at construction and
// changeable via SetRole, used by tests and single-node deployments
// that skip the Raft group entirely.
type StaticWatcher struct {
	mu   sync.Mutex
	info Info
	subs []func(Info)
}

// NewStaticWatcher constructs a StaticWatcher starting in role.
func NewStaticWatcher(role Role, masterAID string) *StaticWatcher {
	return &StaticWatcher{info: Info{Role: role, MasterAID: masterAID}}
}

// NewStaticWatcherWithAddr is NewStaticWatcher plus a known master HTTP
// address, for tests exercising read-through forwarding.
func NewStaticWatcherWithAddr(role Role, masterAID, masterHTTPAddr string) *StaticWatcher {
	return &StaticWatcher{info: Info{Role: role, MasterAID: masterAID, MasterHTTPAddr: masterHTTPAddr}}
}

func (w *StaticWatcher) Subscribe(cb func(Info)) {
	w.mu.Lock()
	w.subs = append(w.subs, cb)
	cur := w.info
	w.mu.Unlock()
	cb(cur)
}

func (w *StaticWatcher) Current() Info {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.info
}

// SetRole transitions the watcher to a new role and notifies subscribers.
func (w *StaticWatcher) SetRole(role Role, masterAID string) {
	w.SetRoleWithAddr(role, masterAID, "")
}

// SetRoleWithAddr is SetRole plus a master HTTP address.
func (w *StaticWatcher) SetRoleWithAddr(role Role, masterAID, masterHTTPAddr string) {
	w.mu.Lock()
	w.info = Info{Role: role, MasterAID: masterAID, MasterHTTPAddr: masterHTTPAddr}
	subs := append([]func(Info){}, w.subs...)
	info := w.info
	w.mu.Unlock()
	for _, cb := range subs {
		cb(info)
	}
}
