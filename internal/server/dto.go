package server

import (
	"encoding/json"

	"taskloom/internal/domain"
	"taskloom/internal/engine"
)

// Request payloads

type OpenRequest struct {
	Project string `json:"project,omitempty"`
	Goal    string `json:"goal,omitempty"`
}

type PlanNodeRequest struct {
	Ref          string          `json:"ref"`
	ParentRef    string          `json:"parent_ref"`
	Summary      string          `json:"summary"`
	State        *map[string]any `json:"state,omitempty"`
	Properties   map[string]any  `json:"properties,omitempty"`
	ContextLinks []string        `json:"context_links,omitempty"`
	DependsOn    []string        `json:"depends_on,omitempty"`
}

type PlanRequest struct {
	Nodes []PlanNodeRequest `json:"nodes"`
}

type NextRequest struct {
	Project    string `json:"project"`
	Claim      bool   `json:"claim,omitempty"`
	TTLSeconds int    `json:"ttl_seconds,omitempty" minimum:"0"`
}

type EvidenceRequest struct {
	Type string `json:"type"`
	Ref  string `json:"ref"`
}

type NodeUpdateRequest struct {
	NodeID          string            `json:"node_id"`
	Resolved        *bool             `json:"resolved,omitempty"`
	State           *map[string]any   `json:"state,omitempty"`
	Properties      map[string]any    `json:"properties,omitempty"`
	Blocked         *bool             `json:"blocked,omitempty"`
	BlockedReason   *string           `json:"blocked_reason,omitempty"`
	AddEvidence     []EvidenceRequest `json:"add_evidence,omitempty"`
	AddContextLinks []string          `json:"add_context_links,omitempty"`
}

type UpdateRequest struct {
	Updates []NodeUpdateRequest `json:"updates"`
}

type ConnectRequest struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Type   string `json:"type" enum:"depends_on,relates_to"`
	Remove bool   `json:"remove,omitempty"`
}

type QueryRequest struct {
	Project    string `json:"project,omitempty"`
	Resolved   *bool  `json:"resolved,omitempty"`
	Blocked    *bool  `json:"blocked,omitempty"`
	Text       string `json:"text,omitempty"`
	Ancestor   string `json:"ancestor,omitempty"`
	Actionable bool   `json:"actionable,omitempty"`
	PropKey    string `json:"prop_key,omitempty"`
	PropValue  string `json:"prop_value,omitempty"`
	Limit      int    `json:"limit,omitempty" minimum:"0" maximum:"500"`
}

type RestructureRequest struct {
	Op        string `json:"op" enum:"move,merge,drop"`
	NodeID    string `json:"node_id,omitempty"`
	NewParent string `json:"new_parent,omitempty"`
	Into      string `json:"into,omitempty"`
	From      string `json:"from,omitempty"`
	Cascade   bool   `json:"cascade,omitempty"`
}

// Response payloads

type ClaimResponse struct {
	Agent      string `json:"agent"`
	AcquiredAt string `json:"acquired_at" format:"date-time"`
	ExpiresAt  string `json:"expires_at" format:"date-time"`
}

type NodeResponse struct {
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
	Claim         *ClaimResponse `json:"claim,omitempty"`
	CreatedBy     string         `json:"created_by,omitempty"`
	CreatedAt     string         `json:"created_at" format:"date-time"`
	UpdatedAt     string         `json:"updated_at" format:"date-time"`
}

type ProgressResponse struct {
	Resolved int `json:"resolved"`
	Total    int `json:"total"`
}

type ProjectSummaryResponse struct {
	Project   string           `json:"project"`
	RootID    string           `json:"root_id"`
	Goal      string           `json:"goal"`
	Progress  ProgressResponse `json:"progress"`
	CreatedAt string           `json:"created_at" format:"date-time"`
}

type DepStatusResponse struct {
	ID       string `json:"id"`
	Summary  string `json:"summary"`
	Resolved bool   `json:"resolved"`
}

type TreeNodeResponse struct {
	Node      NodeResponse       `json:"node"`
	Progress  ProgressResponse   `json:"progress"`
	Truncated bool               `json:"truncated"`
	Children  []TreeNodeResponse `json:"children,omitempty"`
}

type NodeContextResponse struct {
	Node       NodeResponse        `json:"node"`
	Ancestors  []NodeResponse      `json:"ancestors,omitempty"`
	Children   []TreeNodeResponse  `json:"children,omitempty"`
	Progress   ProgressResponse    `json:"progress"`
	DependsOn  []DepStatusResponse `json:"depends_on,omitempty"`
	Dependents []DepStatusResponse `json:"dependents,omitempty"`
}

type AuditEntryResponse struct {
	TS      string         `json:"ts" format:"date-time"`
	Agent   string         `json:"agent,omitempty"`
	Action  string         `json:"action"`
	Payload map[string]any `json:"payload,omitempty"`
}

func nodeResponse(n domain.Node) NodeResponse {
	out := NodeResponse{
		ID:            n.ID,
		Project:       n.Project,
		ParentID:      n.ParentID,
		Summary:       n.Summary,
		Resolved:      n.Resolved,
		Priority:      n.Priority,
		ContextLinks:  n.ContextLinks,
		Blocked:       n.Blocked,
		BlockedReason: n.BlockedReason,
		DependsOn:     n.DependsOn,
		CreatedBy:     n.CreatedBy,
		CreatedAt:     n.CreatedAt,
		UpdatedAt:     n.UpdatedAt,
	}
	if n.StateJSON != nil {
		_ = json.Unmarshal([]byte(*n.StateJSON), &out.State)
	}
	if n.PropertiesJSON != nil {
		_ = json.Unmarshal([]byte(*n.PropertiesJSON), &out.Properties)
	}
	if n.Claim != nil {
		out.Claim = &ClaimResponse{
			Agent:      n.Claim.Agent,
			AcquiredAt: n.Claim.AcquiredAt,
			ExpiresAt:  n.Claim.ExpiresAt,
		}
	}
	return out
}

func mapNodes(nodes []domain.Node) []NodeResponse {
	out := make([]NodeResponse, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, nodeResponse(n))
	}
	return out
}

func progressResponse(p domain.Progress) ProgressResponse {
	return ProgressResponse{Resolved: p.Resolved, Total: p.Total}
}

func summaryResponse(s domain.ProjectSummary) ProjectSummaryResponse {
	return ProjectSummaryResponse{
		Project:   s.Project,
		RootID:    s.RootID,
		Goal:      s.Goal,
		Progress:  progressResponse(s.Progress),
		CreatedAt: s.CreatedAt,
	}
}

func treeResponse(nodes []engine.TreeNode) []TreeNodeResponse {
	var out []TreeNodeResponse
	for _, tn := range nodes {
		out = append(out, TreeNodeResponse{
			Node:      nodeResponse(tn.Node),
			Progress:  progressResponse(tn.Progress),
			Truncated: tn.Truncated,
			Children:  treeResponse(tn.Children),
		})
	}
	return out
}

func depStatusResponse(deps []engine.DepStatus) []DepStatusResponse {
	var out []DepStatusResponse
	for _, d := range deps {
		out = append(out, DepStatusResponse{ID: d.ID, Summary: d.Summary, Resolved: d.Resolved})
	}
	return out
}

func contextResponse(c engine.NodeContext) NodeContextResponse {
	return NodeContextResponse{
		Node:       nodeResponse(c.Node),
		Ancestors:  mapNodes(c.Ancestors),
		Children:   treeResponse(c.Children),
		Progress:   progressResponse(c.Progress),
		DependsOn:  depStatusResponse(c.DependsOn),
		Dependents: depStatusResponse(c.Dependents),
	}
}

func auditResponse(entries []domain.AuditEntry) []AuditEntryResponse {
	out := make([]AuditEntryResponse, 0, len(entries))
	for _, e := range entries {
		r := AuditEntryResponse{TS: e.TS, Agent: e.Agent, Action: e.Action}
		_ = json.Unmarshal([]byte(e.Payload), &r.Payload)
		out = append(out, r)
	}
	return out
}

func marshalState(m *map[string]any) (*string, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(*m)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}
