// Package driver implements dispatch.Driver over plain HTTP, the way
// harpoon-scheduler's remoteAgent (agent.go) wraps a container agent's
// REST API: one driver per function-meta Driver name, each instance
// pointing at a base URL for a single function agent endpoint.
package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/fnmesh/globalscheduler/internal/wire"
)

// HTTPDriver talks to a function agent over HTTP. One instance is
// shared by every agentID reachable at a URL the agentID resolves to
// (agentID is itself the base URL in this adapter, the simplest
// mapping available without a separate agent-registry component).
type HTTPDriver struct {
	client *http.Client
}

// New constructs an HTTPDriver with a bounded per-call timeout.
func New(timeout time.Duration) *HTTPDriver {
	return &HTTPDriver{client: &http.Client{Timeout: timeout}}
}

type deployBody struct {
	InstanceID string            `json:"instanceId"`
	Function   string            `json:"function"`
	Resources  wire.ResourceSpec `json:"resources"`
	Labels     map[string]string `json:"labels,omitempty"`
}

func (d *HTTPDriver) Deploy(ctx context.Context, agentID string, info wire.InstanceInfo) error {
	body := deployBody{InstanceID: info.InstanceID, Function: info.Function, Resources: info.Resources, Labels: info.Labels}
	return d.post(ctx, agentID+"/instances", body, nil)
}

type readyResponse struct {
	Ready bool `json:"ready"`
}

func (d *HTTPDriver) Ready(ctx context.Context, agentID, instanceID string) (bool, error) {
	var out readyResponse
	url := fmt.Sprintf("%s/instances/%s/ready", agentID, instanceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, fmt.Errorf("driver: build ready request: %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("driver: agent unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("driver: decode ready response: %w", err)
	}
	return out.Ready, nil
}

func (d *HTTPDriver) InitCall(ctx context.Context, agentID, instanceID string) error {
	return d.post(ctx, fmt.Sprintf("%s/instances/%s/init", agentID, instanceID), nil, nil)
}

type killBody struct {
	Signal wire.Signal `json:"signal"`
}

func (d *HTTPDriver) Kill(ctx context.Context, agentID, instanceID string, sig wire.Signal) error {
	return d.post(ctx, fmt.Sprintf("%s/instances/%s/kill", agentID, instanceID), killBody{Signal: sig}, nil)
}

type killAllBody struct {
	JobID string `json:"jobId"`
}

func (d *HTTPDriver) KillAll(ctx context.Context, agentID, jobID string) error {
	return d.post(ctx, agentID+"/jobs/kill-all", killAllBody{JobID: jobID}, nil)
}

func (d *HTTPDriver) post(ctx context.Context, url string, body, out interface{}) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("driver: marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, reader)
	if err != nil {
		return fmt.Errorf("driver: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("driver: agent unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return wire.NewError(wire.ErrLocalSchedulerAbnormal, fmt.Sprintf("agent returned %d", resp.StatusCode))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
