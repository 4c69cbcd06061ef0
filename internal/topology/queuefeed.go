package topology

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/bernerdschaefer/eventsource"

	"github.com/fnmesh/globalscheduler/internal/store"
)

// QueueEntry is one row of the scheduling-queue view answered by
// GET /scheduling_queue: an instance awaiting placement.
type QueueEntry struct {
	InstanceID string `json:"instanceId"`
	Function   string `json:"function"`
	State      string `json:"state"`
}

// QueueFeed adapts the backing store's Watch contract into a push feed:
// it watches the pending-schedule prefix and fans each snapshot out to
// any number of HTTP long-poll subscribers, the way harpoon-scheduler's
// registry fans container-state changes out to transformer listeners.
type QueueFeed struct {
	st     store.Store
	prefix string

	mu   sync.Mutex
	subs map[chan []QueueEntry]struct{}

	cancel context.CancelFunc
}

// NewQueueFeed starts watching prefix and returns a feed ready to
// accept subscribers. Call Stop to release the underlying watch.
func NewQueueFeed(st store.Store, prefix string) *QueueFeed {
	ctx, cancel := context.WithCancel(context.Background())
	f := &QueueFeed{
		st:     st,
		prefix: prefix,
		subs:   map[chan []QueueEntry]struct{}{},
		cancel: cancel,
	}
	events, err := st.Watch(ctx, prefix, store.WatchOptions{Prefix: true})
	if err != nil {
		log.Printf("topology: queue feed watch failed, falling back to poll-only: %s", err)
		return f
	}
	go f.consume(ctx, events)
	return f
}

func (f *QueueFeed) consume(ctx context.Context, events <-chan store.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-events:
			if !ok {
				return
			}
			entries, err := f.snapshot(ctx)
			if err != nil {
				log.Printf("topology: queue feed snapshot: %s", err)
				continue
			}
			f.broadcast(entries)
		}
	}
}

func (f *QueueFeed) snapshot(ctx context.Context) ([]QueueEntry, error) {
	kvs, err := f.st.Get(ctx, f.prefix, store.GetOptions{Prefix: true})
	if err != nil {
		return nil, err
	}
	entries := make([]QueueEntry, 0, len(kvs))
	for _, kv := range kvs {
		var e QueueEntry
		if err := json.Unmarshal(kv.Value, &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (f *QueueFeed) broadcast(entries []QueueEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.subs {
		select {
		case ch <- entries:
		default:
			log.Printf("topology: queue feed slow subscriber dropped a snapshot")
		}
	}
}

// Subscribe registers a new listener; the returned func unregisters it.
func (f *QueueFeed) Subscribe() (<-chan []QueueEntry, func()) {
	ch := make(chan []QueueEntry, 1)
	f.mu.Lock()
	f.subs[ch] = struct{}{}
	f.mu.Unlock()
	return ch, func() {
		f.mu.Lock()
		delete(f.subs, ch)
		f.mu.Unlock()
	}
}

// Stop releases the underlying watch.
func (f *QueueFeed) Stop() {
	f.cancel()
}

// ServeHTTP answers GET /scheduling_queue as a text/event-stream long
// poll: one "data: [...]" frame per queue change, flushed immediately.
func (f *QueueFeed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	ch, unsubscribe := f.Subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	initial, err := f.snapshot(r.Context())
	if err == nil {
		writeSSEFrame(w, initial)
		flusher.Flush()
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case entries := <-ch:
			writeSSEFrame(w, entries)
			flusher.Flush()
		}
	}
}

func writeSSEFrame(w http.ResponseWriter, entries []QueueEntry) {
	data, err := json.Marshal(entries)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}

// WatchRemoteQueue consumes another node's /scheduling_queue SSE feed,
// the way harpoon-scheduler's remoteAgent.Events() consumes an agent's
// container-event stream: used by a Domain aggregating its Locals'
// queues up the tree.
func WatchRemoteQueue(endpoint string) (<-chan []QueueEntry, func(), error) {
	req, err := http.NewRequest(http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("topology: build request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	var (
		out  = make(chan []QueueEntry)
		stop = make(chan struct{})
		es   = eventsource.New(req, 1*time.Second)
	)

	go func() {
		<-stop
		es.Close()
	}()

	go func() {
		defer close(out)
		for {
			event, err := es.Read()
			if err != nil {
				log.Printf("topology: remote queue %s: %s", endpoint, err)
				return
			}
			var entries []QueueEntry
			if err := json.Unmarshal(event.Data, &entries); err != nil {
				log.Printf("topology: remote queue %s: bad frame: %s", endpoint, err)
				continue
			}
			select {
			case out <- entries:
			default:
				log.Printf("topology: remote queue %s: slow receiver missed event", endpoint)
			}
		}
	}()

	var once sync.Once
	return out, func() { once.Do(func() { close(stop) }) }, nil
}
