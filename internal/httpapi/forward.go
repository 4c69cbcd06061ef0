package httpapi

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

var forwardClient = &http.Client{Timeout: 5 * time.Second}

// forwardIfSlave wraps a read-only handler so a Slave-role node proxies
// the request to the current master instead of answering locally
// (NewRouter mounts it on GET /queryagents, /queryagentcount and
// /resources only). Masters, and Slaves with no known
// master address yet, fall through to the wrapped handler.
func (s *Server) forwardIfSlave(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Actor.IsMaster() {
			h(w, r)
			return
		}
		addr, ok := s.Actor.MasterHTTPAddr()
		if !ok {
			h(w, r)
			return
		}

		url := fmt.Sprintf("http://%s%s", addr, r.URL.RequestURI())
		req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, url, nil)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if t := r.Header.Get("Type"); t != "" {
			req.Header.Set("Type", t)
		}
		resp, err := forwardClient.Do(req)
		if err != nil {
			log.Printf("httpapi: forward to master %s failed: %v", addr, err)
			writeError(w, http.StatusServiceUnavailable, fmt.Errorf("master unreachable: %w", err))
			return
		}
		defer resp.Body.Close()

		for k, vs := range resp.Header {
			for _, v := range vs {
				w.Header().Add(k, v)
			}
		}
		w.WriteHeader(resp.StatusCode)
		io.Copy(w, resp.Body)
	}
}
