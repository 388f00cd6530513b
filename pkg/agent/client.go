package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/17512819719/ComfyUI-Web-Service-sub001/pkg/models"
	"github.com/17512819719/ComfyUI-Web-Service-sub001/pkg/retry"
)

// ErrRegistrationDisabled means the coordinator runs static discovery and
// will never accept a dynamic node.
var ErrRegistrationDisabled = fmt.Errorf("coordinator rejects dynamic registration")

// Client manages communication with the coordinator
type Client struct {
	coordinatorURL string
	httpClient     *http.Client
	nodeID         string
	apiToken       string
	retryCfg       retry.Config
}

// NewClient creates a coordinator client for the given node. Registration
// retries forever by default; agents must eventually find their coordinator.
func NewClient(coordinatorURL, nodeID, apiToken string) *Client {
	return &Client{
		coordinatorURL: strings.TrimRight(coordinatorURL, "/"),
		httpClient:     &http.Client{Timeout: 10 * time.Second},
		nodeID:         nodeID,
		apiToken:       apiToken,
		retryCfg:       retry.Forever(),
	}
}

// SetRetryConfig overrides the registration retry policy.
func (c *Client) SetRetryConfig(cfg retry.Config) { c.retryCfg = cfg }

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.coordinatorURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiToken)
	}
	return c.httpClient.Do(req)
}

// Register announces the node to the coordinator, retrying with backoff
// until the coordinator accepts it or rejects dynamic registration outright.
func (c *Client) Register(ctx context.Context, reg models.NodeRegistration) (*models.Node, error) {
	body, err := json.Marshal(reg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal registration: %w", err)
	}

	var node models.Node
	err = retry.Do(ctx, c.retryCfg, func() error {
		resp, err := c.do(ctx, http.MethodPost, "/nodes/register", body)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusOK:
			return json.NewDecoder(resp.Body).Decode(&node)
		case http.StatusForbidden:
			return &retry.Permanent{Err: ErrRegistrationDisabled}
		case http.StatusBadRequest, http.StatusUnauthorized:
			payload, _ := io.ReadAll(resp.Body)
			return &retry.Permanent{Err: fmt.Errorf("registration rejected with HTTP %d: %s", resp.StatusCode, payload)}
		default:
			return fmt.Errorf("coordinator returned HTTP %d", resp.StatusCode)
		}
	})
	if err != nil {
		return nil, err
	}
	return &node, nil
}

// Heartbeat refreshes the node's expiry clock. It reports whether the
// coordinator still knows this node; a false return means the caller should
// re-register.
func (c *Client) Heartbeat(ctx context.Context) (bool, error) {
	resp, err := c.do(ctx, http.MethodPost, "/nodes/"+c.nodeID+"/heartbeat", nil)
	if err != nil {
		return true, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return true, fmt.Errorf("heartbeat returned HTTP %d", resp.StatusCode)
	}
}

// Deregister removes the node from the coordinator. Best-effort: shutdown
// proceeds regardless.
func (c *Client) Deregister(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodDelete, "/nodes/"+c.nodeID, nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
