package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"taskloom/internal/audit"
	"taskloom/internal/config"
	"taskloom/internal/domain"
	"taskloom/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Audit  audit.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Audit:  audit.Writer{},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowString() string {
	return e.now().UTC().Format(time.RFC3339)
}

// Open returns the summary of an existing project, creating its root node
// first if the project does not exist yet.
func (e Engine) Open(ctx context.Context, project, goal, agent string) (domain.ProjectSummary, error) {
	if project == "" {
		return domain.ProjectSummary{}, errors.New("project is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ProjectSummary{}, err
	}
	defer tx.Rollback()

	root, err := e.Repo.GetProjectRootTx(ctx, tx, project)
	if errors.Is(err, repo.ErrNotFound) {
		now := e.nowString()
		if goal == "" {
			goal = project
		}
		root = domain.Node{
			ID:        uuid.New().String(),
			Project:   project,
			Summary:   goal,
			CreatedBy: agent,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := e.Repo.InsertNodeTx(ctx, tx, root); err != nil {
			return domain.ProjectSummary{}, err
		}
		if err := e.Audit.Append(ctx, tx, root.ID, agent, "create", audit.Payload{"project": project, "summary": goal}); err != nil {
			return domain.ProjectSummary{}, err
		}
	} else if err != nil {
		return domain.ProjectSummary{}, err
	}
	progress, err := e.Repo.SubtreeProgressTx(ctx, tx, root.ID)
	if err != nil {
		return domain.ProjectSummary{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ProjectSummary{}, err
	}
	return domain.ProjectSummary{
		Project:   project,
		RootID:    root.ID,
		Goal:      root.Summary,
		Progress:  progress,
		CreatedAt: root.CreatedAt,
	}, nil
}

// ListProjects lists every known project with aggregate progress.
func (e Engine) ListProjects(ctx context.Context) ([]domain.ProjectSummary, error) {
	return e.Repo.ListProjects(ctx)
}

// NodeUpdate is one entry of an update batch.
type NodeUpdate struct {
	NodeID          string
	Resolved        *bool
	State           *string
	Properties      map[string]any
	Blocked         *bool
	BlockedReason   *string
	AddEvidence     []domain.Evidence
	AddContextLinks []string
}

// UpdateResult reports what a batch update changed.
type UpdateResult struct {
	Updated         []domain.Node
	NewlyActionable []domain.Node
}

// Update applies a batch of field-level node changes in one transaction.
// When a node flips resolved false to true, the nodes depending on it are
// re-checked and those that became actionable are reported back.
func (e Engine) Update(ctx context.Context, updates []NodeUpdate, agent string) (UpdateResult, error) {
	if len(updates) == 0 {
		return UpdateResult{}, errors.New("at least one update is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return UpdateResult{}, err
	}
	defer tx.Rollback()

	now := e.nowString()
	var res UpdateResult
	watch := map[string]bool{}
	for _, u := range updates {
		if u.NodeID == "" {
			return UpdateResult{}, errors.New("node_id is required")
		}
		n, err := e.Repo.GetNodeTx(ctx, tx, u.NodeID)
		if err != nil {
			return UpdateResult{}, err
		}
		changes := audit.Payload{}
		if u.Resolved != nil && *u.Resolved != n.Resolved {
			if *u.Resolved && !n.Resolved {
				deps, err := e.Repo.ListDependentsTx(ctx, tx, n.ID)
				if err != nil {
					return UpdateResult{}, err
				}
				for _, d := range deps {
					watch[d] = true
				}
			}
			n.Resolved = *u.Resolved
			changes["resolved"] = n.Resolved
		}
		if u.State != nil {
			if err := validateJSON(*u.State); err != nil {
				return UpdateResult{}, fmt.Errorf("state for node %s: %w", n.ID, err)
			}
			n.StateJSON = u.State
			changes["state"] = json.RawMessage(*u.State)
		}
		if len(u.Properties) > 0 {
			if err := mergeProperties(&n, u.Properties); err != nil {
				return UpdateResult{}, fmt.Errorf("properties for node %s: %w", n.ID, err)
			}
			changes["properties"] = u.Properties
		}
		if u.Blocked != nil {
			n.Blocked = *u.Blocked
			if !n.Blocked {
				n.BlockedReason = nil
			}
			changes["blocked"] = n.Blocked
		}
		if u.BlockedReason != nil {
			n.BlockedReason = u.BlockedReason
			n.Blocked = true
			changes["blocked_reason"] = *u.BlockedReason
		}
		if len(u.AddContextLinks) > 0 {
			n.ContextLinks = appendMissing(n.ContextLinks, u.AddContextLinks)
			changes["context_links"] = u.AddContextLinks
		}
		for _, ev := range u.AddEvidence {
			ev.NodeID = n.ID
			if ev.Agent == "" {
				ev.Agent = agent
			}
			if ev.TS == "" {
				ev.TS = now
			}
			if err := e.Repo.AppendEvidenceTx(ctx, tx, ev); err != nil {
				return UpdateResult{}, err
			}
		}
		if len(u.AddEvidence) > 0 {
			changes["evidence_added"] = len(u.AddEvidence)
		}
		n.UpdatedAt = now
		if err := e.Repo.UpdateNodeTx(ctx, tx, n); err != nil {
			return UpdateResult{}, err
		}
		if err := e.Audit.Append(ctx, tx, n.ID, agent, "update", changes); err != nil {
			return UpdateResult{}, err
		}
		res.Updated = append(res.Updated, n)
	}

	if len(watch) > 0 {
		ids := make([]string, 0, len(watch))
		for id := range watch {
			ids = append(ids, id)
		}
		actionable, err := e.Repo.ListActionableIDsTx(ctx, tx, ids, now)
		if err != nil {
			return UpdateResult{}, err
		}
		for _, id := range actionable {
			n, err := e.Repo.GetNodeTx(ctx, tx, id)
			if err != nil {
				return UpdateResult{}, err
			}
			res.NewlyActionable = append(res.NewlyActionable, n)
		}
	}
	if err := tx.Commit(); err != nil {
		return UpdateResult{}, err
	}
	return res, nil
}

// mergeProperties applies a shallow key replace onto the node's property
// object and mirrors a numeric "priority" key into the ranking column.
func mergeProperties(n *domain.Node, patch map[string]any) error {
	props := map[string]any{}
	if n.PropertiesJSON != nil && *n.PropertiesJSON != "" {
		if err := json.Unmarshal([]byte(*n.PropertiesJSON), &props); err != nil {
			return err
		}
	}
	for k, v := range patch {
		if v == nil {
			delete(props, k)
			continue
		}
		props[k] = v
	}
	if v, ok := patch["priority"]; ok {
		if v == nil {
			n.Priority = nil
		} else {
			f, ok := v.(float64)
			if !ok {
				if i, isInt := v.(int); isInt {
					f = float64(i)
				} else {
					return errors.New("priority must be an integer")
				}
			}
			if f != math.Trunc(f) {
				return errors.New("priority must be an integer")
			}
			p := int(f)
			n.Priority = &p
		}
	}
	b, err := json.Marshal(props)
	if err != nil {
		return err
	}
	s := string(b)
	n.PropertiesJSON = &s
	return nil
}

func appendMissing(links, add []string) []string {
	seen := map[string]bool{}
	for _, l := range links {
		seen[l] = true
	}
	for _, l := range add {
		if !seen[l] {
			links = append(links, l)
			seen[l] = true
		}
	}
	return links
}

// Connect adds or removes a typed edge between two existing nodes. Adding
// a depends_on edge runs the dependency cycle check first.
func (e Engine) Connect(ctx context.Context, from, to, edgeType, agent string, remove bool) error {
	if from == "" || to == "" {
		return errors.New("from and to are required")
	}
	if edgeType != domain.EdgeDependsOn && edgeType != domain.EdgeRelatesTo {
		return fmt.Errorf("unknown edge type %s", edgeType)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetNodeTx(ctx, tx, from); err != nil {
		return err
	}
	if _, err := e.Repo.GetNodeTx(ctx, tx, to); err != nil {
		return err
	}
	action := "connect"
	if remove {
		action = "disconnect"
		if err := e.Repo.RemoveEdgeTx(ctx, tx, from, to, edgeType); err != nil {
			return err
		}
	} else {
		if edgeType == domain.EdgeDependsOn {
			if err := e.ensureNoDependencyCycle(ctx, tx, from, to); err != nil {
				return err
			}
		}
		if err := e.Repo.AddEdgeTx(ctx, tx, domain.Edge{FromNode: from, ToNode: to, Type: edgeType, CreatedAt: e.nowString()}); err != nil {
			return err
		}
	}
	if err := e.Audit.Append(ctx, tx, from, agent, action, audit.Payload{"to": to, "type": edgeType}); err != nil {
		return err
	}
	return tx.Commit()
}

// Query lists nodes matching the given filters.
func (e Engine) Query(ctx context.Context, f repo.NodeFilters) ([]domain.Node, error) {
	if f.Actionable && f.Now == "" {
		f.Now = e.nowString()
	}
	return e.Repo.QueryNodes(ctx, f)
}

// History returns a node's audit trail in chronological order.
func (e Engine) History(ctx context.Context, nodeID string) ([]domain.AuditEntry, error) {
	if _, err := e.Repo.GetNode(ctx, nodeID); err != nil {
		// a dropped node keeps its trail
		entries, aerr := e.Repo.ListAudit(ctx, nodeID)
		if aerr == nil && len(entries) > 0 {
			return entries, nil
		}
		return nil, err
	}
	return e.Repo.ListAudit(ctx, nodeID)
}

// Release drops a node's claim if the agent holds it.
func (e Engine) Release(ctx context.Context, nodeID, agent string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	n, err := e.Repo.GetNodeTx(ctx, tx, nodeID)
	if err != nil {
		return err
	}
	c, err := e.Repo.GetClaimTx(ctx, tx, nodeID)
	if err != nil {
		return err
	}
	if c == nil {
		return nil
	}
	// an expired lease is as good as gone
	if c.Agent != agent && c.ExpiresAt > e.nowString() {
		return fmt.Errorf("claim on %s held by %s", nodeID, c.Agent)
	}
	if err := e.Repo.DeleteClaimTx(ctx, tx, nodeID); err != nil {
		return err
	}
	n.UpdatedAt = e.nowString()
	if err := e.Repo.UpdateNodeTx(ctx, tx, n); err != nil {
		return err
	}
	if err := e.Audit.Append(ctx, tx, nodeID, agent, "release", audit.Payload{}); err != nil {
		return err
	}
	return tx.Commit()
}

func validateJSON(in string) error {
	var tmp any
	return json.Unmarshal([]byte(in), &tmp)
}
