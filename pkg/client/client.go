// Package client is a thin HTTP client for the daemon API, used by the
// operator subcommands.
package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/keeperhq/cellar/pkg/manager"
	"github.com/keeperhq/cellar/pkg/types"
)

// Client talks to a running cellar daemon
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for the daemon at addr
func New(addr string) *Client {
	return &Client{
		baseURL: "http://" + addr,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Status returns the daemon's full status
func (c *Client) Status() (*manager.Status, error) {
	var status manager.Status
	if err := c.get("/v1/status", &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Pools lists all pools
func (c *Client) Pools() ([]*types.Pool, error) {
	var pools []*types.Pool
	if err := c.get("/v1/pools", &pools); err != nil {
		return nil, err
	}
	return pools, nil
}

// Jobs lists all transfer jobs
func (c *Client) Jobs() ([]*types.TransferJob, error) {
	var jobs []*types.TransferJob
	if err := c.get("/v1/jobs", &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// Snapshot takes an immediate snapshot of a dataset
func (c *Client) Snapshot(datasetID string) (*types.Snapshot, error) {
	var snapshot types.Snapshot
	if err := c.post("/v1/datasets/"+datasetID+"/snapshot", &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// Prune runs a retention pass on a dataset immediately
func (c *Client) Prune(datasetID string) error {
	return c.post("/v1/datasets/"+datasetID+"/prune", nil)
}

// CancelJob aborts a transfer job
func (c *Client) CancelJob(jobID string) error {
	return c.post("/v1/jobs/"+jobID+"/cancel", nil)
}

func (c *Client) get(path string, out interface{}) error {
	resp, err := c.http.Get(c.baseURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decode(resp, out)
}

func (c *Client) post(path string, out interface{}) error {
	resp, err := c.http.Post(c.baseURL+path, "application/json", bytes.NewReader(nil))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decode(resp, out)
}

func decode(resp *http.Response, out interface{}) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("daemon: %s", apiErr.Error)
		}
		return fmt.Errorf("daemon: %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}
