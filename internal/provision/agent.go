package provision

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/decloud-network/decloud-node/internal/utils"
)

// AgentClient talks to the provisioning agent over HTTP. The agent owns the
// actual machine lifecycle; this client only issues bounded requests.
type AgentClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *utils.LogsManager
}

// NewAgentClient creates a provisioning agent client from config
func NewAgentClient(cm *utils.ConfigManager, logger *utils.LogsManager) *AgentClient {
	timeout := cm.GetConfigDuration("provision_timeout", 60*time.Second)
	baseURL := strings.TrimSuffix(cm.GetConfigWithDefault("provision_agent_url", "http://localhost:6001"), "/")

	return &AgentClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

// Create asks the agent to provision a machine matching the spec
func (c *AgentClient) Create(ctx context.Context, spec Spec) (*Instance, error) {
	body, err := json.Marshal(spec)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/instances", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.wrapTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.failure("create", resp)
	}

	var instance Instance
	if err := json.NewDecoder(resp.Body).Decode(&instance); err != nil {
		return nil, fmt.Errorf("%w: malformed agent response: %v", ErrProvisionFailed, err)
	}
	if instance.ResourceRef == "" {
		return nil, fmt.Errorf("%w: agent returned no resource ref", ErrProvisionFailed)
	}
	return &instance, nil
}

// Delete asks the agent to destroy a machine. A 404 maps to
// ErrInstanceNotFound, which callers treat as already deleted.
func (c *AgentClient) Delete(ctx context.Context, resourceRef string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		fmt.Sprintf("%s/instances/%s", c.baseURL, resourceRef), nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return c.wrapTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrInstanceNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.failure("delete", resp)
	}
	return nil
}

// Status returns the agent's view of a machine
func (c *AgentClient) Status(ctx context.Context, resourceRef string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/instances/%s", c.baseURL, resourceRef), nil)
	if err != nil {
		return "", err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", c.wrapTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", ErrInstanceNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", c.failure("status", resp)
	}

	var payload struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("%w: malformed agent response: %v", ErrProvisionFailed, err)
	}
	return payload.Status, nil
}

func (c *AgentClient) wrapTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrProvisionTimeout, err)
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrProvisionTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrProvisionFailed, err)
}

func (c *AgentClient) failure(op string, resp *http.Response) error {
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	c.logger.Error(fmt.Sprintf("Agent %s request failed with status %d: %s",
		op, resp.StatusCode, string(detail)), "provision")
	return fmt.Errorf("%w: agent returned %d", ErrProvisionFailed, resp.StatusCode)
}
