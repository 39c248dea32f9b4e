package taskloomsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Taskloom tool-call API client.
type Client struct {
	BaseURL     string
	AgentID     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, agentID string) *Client {
	return &Client{
		BaseURL: baseURL,
		AgentID: agentID,
		Timeout: 10 * time.Second,
	}
}

// Node represents the API node model.
type Node struct {
	ID            string         `json:"id"`
	Project       string         `json:"project"`
	ParentID      *string        `json:"parent_id,omitempty"`
	Summary       string         `json:"summary"`
	Resolved      bool           `json:"resolved"`
	State         map[string]any `json:"state,omitempty"`
	Properties    map[string]any `json:"properties,omitempty"`
	Priority      *int           `json:"priority,omitempty"`
	ContextLinks  []string       `json:"context_links,omitempty"`
	Blocked       bool           `json:"blocked"`
	BlockedReason *string        `json:"blocked_reason,omitempty"`
	DependsOn     []string       `json:"depends_on,omitempty"`
	Claim         *Claim         `json:"claim,omitempty"`
	UpdatedAt     string         `json:"updated_at"`
}

// Claim is a lease on a node.
type Claim struct {
	Agent      string `json:"agent"`
	AcquiredAt string `json:"acquired_at"`
	ExpiresAt  string `json:"expires_at"`
}

// ProjectSummary describes a project with aggregate progress.
type ProjectSummary struct {
	Project  string `json:"project"`
	RootID   string `json:"root_id"`
	Goal     string `json:"goal"`
	Progress struct {
		Resolved int `json:"resolved"`
		Total    int `json:"total"`
	} `json:"progress"`
	CreatedAt string `json:"created_at"`
}

// PlanNode is one entry of a plan batch.
type PlanNode struct {
	Ref          string         `json:"ref"`
	ParentRef    string         `json:"parent_ref"`
	Summary      string         `json:"summary"`
	State        map[string]any `json:"state,omitempty"`
	Properties   map[string]any `json:"properties,omitempty"`
	ContextLinks []string       `json:"context_links,omitempty"`
	DependsOn    []string       `json:"depends_on,omitempty"`
}

// NodeUpdate is one entry of an update batch.
type NodeUpdate struct {
	NodeID          string         `json:"node_id"`
	Resolved        *bool          `json:"resolved,omitempty"`
	State           map[string]any `json:"state,omitempty"`
	Properties      map[string]any `json:"properties,omitempty"`
	Blocked         *bool          `json:"blocked,omitempty"`
	BlockedReason   *string        `json:"blocked_reason,omitempty"`
	AddEvidence     []Evidence     `json:"add_evidence,omitempty"`
	AddContextLinks []string       `json:"add_context_links,omitempty"`
}

// Evidence is one appended work record.
type Evidence struct {
	Type string `json:"type"`
	Ref  string `json:"ref"`
}

// UpdateResult reports what a batch update changed.
type UpdateResult struct {
	Updated         []Node `json:"updated"`
	NewlyActionable []Node `json:"newly_actionable,omitempty"`
}

// AuditEntry is one history record of a node.
type AuditEntry struct {
	TS      string         `json:"ts"`
	Agent   string         `json:"agent,omitempty"`
	Action  string         `json:"action"`
	Payload map[string]any `json:"payload,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Open opens (or creates) a project.
func (c *Client) Open(ctx context.Context, project, goal string) (ProjectSummary, error) {
	var resp struct {
		Project ProjectSummary `json:"project"`
	}
	err := c.do(ctx, http.MethodPost, "v0/open", map[string]any{"project": project, "goal": goal}, &resp)
	return resp.Project, err
}

// Projects lists all projects.
func (c *Client) Projects(ctx context.Context) ([]ProjectSummary, error) {
	var resp struct {
		Projects []ProjectSummary `json:"projects"`
	}
	err := c.do(ctx, http.MethodPost, "v0/open", map[string]any{}, &resp)
	return resp.Projects, err
}

// Plan creates a batch of nodes atomically; returns ref to id mapping.
func (c *Client) Plan(ctx context.Context, nodes []PlanNode) (map[string]string, error) {
	var resp struct {
		IDs map[string]string `json:"ids"`
	}
	err := c.do(ctx, http.MethodPost, "v0/plan", map[string]any{"nodes": nodes}, &resp)
	return resp.IDs, err
}

// Next selects the best actionable node, claiming it when claim is set.
// Returns nil when nothing is actionable.
func (c *Client) Next(ctx context.Context, project string, claim bool, ttlSeconds int) (*Node, error) {
	var resp struct {
		Node *Node `json:"node"`
	}
	err := c.do(ctx, http.MethodPost, "v0/next", map[string]any{
		"project": project, "claim": claim, "ttl_seconds": ttlSeconds,
	}, &resp)
	return resp.Node, err
}

// Update applies a batch of node changes.
func (c *Client) Update(ctx context.Context, updates []NodeUpdate) (UpdateResult, error) {
	var resp UpdateResult
	err := c.do(ctx, http.MethodPost, "v0/update", map[string]any{"updates": updates}, &resp)
	return resp, err
}

// Resolve marks one node resolved.
func (c *Client) Resolve(ctx context.Context, nodeID string) (UpdateResult, error) {
	t := true
	return c.Update(ctx, []NodeUpdate{{NodeID: nodeID, Resolved: &t}})
}

// Connect adds (or removes) a typed edge.
func (c *Client) Connect(ctx context.Context, from, to, edgeType string, remove bool) error {
	return c.do(ctx, http.MethodPost, "v0/connect", map[string]any{
		"from": from, "to": to, "type": edgeType, "remove": remove,
	}, nil)
}

// History returns a node's audit trail, oldest first.
func (c *Client) History(ctx context.Context, nodeID string) ([]AuditEntry, error) {
	var resp struct {
		Entries []AuditEntry `json:"entries"`
	}
	err := c.do(ctx, http.MethodGet, "v0/history/"+url.PathEscape(nodeID), nil, &resp)
	return resp.Entries, err
}

// Release drops a claim held by this agent.
func (c *Client) Release(ctx context.Context, nodeID string) error {
	return c.do(ctx, http.MethodPost, "v0/release", map[string]any{"node_id": nodeID}, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.AgentID != "":
		req.Header.Set("X-Agent-Id", c.AgentID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
