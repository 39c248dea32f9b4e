package domain

// Edge types. Only depends_on participates in cycle checking and
// actionability gating; everything else is informational.
const (
	EdgeDependsOn = "depends_on"
	EdgeRelatesTo = "relates_to"
)

type Node struct {
	ID             string   `json:"id"`
	Project        string   `json:"project"`
	ParentID       *string  `json:"parent_id,omitempty"`
	Summary        string   `json:"summary"`
	Resolved       bool     `json:"resolved"`
	StateJSON      *string  `json:"state_json,omitempty"`
	PropertiesJSON *string  `json:"properties_json,omitempty"`
	Priority       *int     `json:"priority,omitempty"`
	ContextLinks   []string `json:"context_links,omitempty"`
	Blocked        bool     `json:"blocked"`
	BlockedReason  *string  `json:"blocked_reason,omitempty"`
	DependsOn      []string `json:"depends_on,omitempty"`
	Claim          *Claim   `json:"claim,omitempty"`
	CreatedBy      string   `json:"created_by"`
	CreatedAt      string   `json:"created_at" format:"date-time"`
	UpdatedAt      string   `json:"updated_at" format:"date-time"`
}

type Edge struct {
	FromNode  string `json:"from_node"`
	ToNode    string `json:"to_node"`
	Type      string `json:"type" enum:"depends_on,relates_to"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Claim is a soft lease; a claim whose ExpiresAt has passed is treated as
// absent. Nothing sweeps expired claims proactively.
type Claim struct {
	NodeID     string `json:"node_id"`
	Agent      string `json:"agent"`
	AcquiredAt string `json:"acquired_at" format:"date-time"`
	ExpiresAt  string `json:"expires_at" format:"date-time"`
}

type Evidence struct {
	ID     int64  `json:"id"`
	NodeID string `json:"node_id"`
	Type   string `json:"type"`
	Ref    string `json:"ref"`
	Agent  string `json:"agent"`
	TS     string `json:"ts" format:"date-time"`
}

type AuditEntry struct {
	ID      int64  `json:"id"`
	NodeID  string `json:"node_id"`
	TS      string `json:"ts" format:"date-time"`
	Agent   string `json:"agent"`
	Action  string `json:"action"`
	Payload string `json:"payload_json"`
}

// Progress counts resolved vs total nodes in a descendant set.
type Progress struct {
	Resolved int `json:"resolved"`
	Total    int `json:"total"`
}

type ProjectSummary struct {
	Project   string   `json:"project"`
	RootID    string   `json:"root_id"`
	Goal      string   `json:"goal"`
	Progress  Progress `json:"progress"`
	CreatedAt string   `json:"created_at" format:"date-time"`
}
