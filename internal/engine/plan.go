package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"taskloom/internal/audit"
	"taskloom/internal/domain"
)

// PlanNode describes one node of a plan batch. Ref is a caller-chosen
// temporary name; ParentRef and DependsOn accept existing node ids or the
// Ref of any batch entry, including later ones.
type PlanNode struct {
	Ref          string
	ParentRef    string
	Summary      string
	State        *string
	Properties   map[string]any
	ContextLinks []string
	DependsOn    []string
}

// Plan creates a batch of nodes and their dependency edges atomically:
// either every entry lands or none does. Returns the real id assigned to
// each temporary reference.
func (e Engine) Plan(ctx context.Context, batch []PlanNode, agent string) (map[string]string, error) {
	if len(batch) == 0 {
		return nil, errors.New("plan batch is empty")
	}
	ids := make(map[string]string, len(batch))
	for _, pn := range batch {
		if pn.Ref == "" {
			return nil, errors.New("every plan node needs a ref")
		}
		if pn.Summary == "" {
			return nil, fmt.Errorf("plan node %s: summary is required", pn.Ref)
		}
		if pn.ParentRef == "" {
			return nil, fmt.Errorf("plan node %s: parent_ref is required", pn.Ref)
		}
		if _, dup := ids[pn.Ref]; dup {
			return nil, fmt.Errorf("duplicate plan ref %s", pn.Ref)
		}
		ids[pn.Ref] = uuid.New().String()
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := e.nowString()
	// Insert parents before children. Batch-internal parent refs may point
	// forward, so entries wait until their parent has landed; a round with
	// no progress means the batch parents form a cycle.
	pending := make([]PlanNode, len(batch))
	copy(pending, batch)
	inserted := map[string]domain.Node{}
	for len(pending) > 0 {
		var next []PlanNode
		progressed := false
		for _, pn := range pending {
			var parentID, project string
			if refID, isRef := ids[pn.ParentRef]; isRef {
				parent, ok := inserted[refID]
				if !ok {
					next = append(next, pn)
					continue
				}
				parentID, project = parent.ID, parent.Project
			} else {
				parent, err := e.Repo.GetNodeTx(ctx, tx, pn.ParentRef)
				if err != nil {
					return nil, fmt.Errorf("plan node %s: parent %s: %w", pn.Ref, pn.ParentRef, err)
				}
				parentID, project = parent.ID, parent.Project
			}
			n := domain.Node{
				ID:           ids[pn.Ref],
				Project:      project,
				ParentID:     &parentID,
				Summary:      pn.Summary,
				StateJSON:    pn.State,
				ContextLinks: pn.ContextLinks,
				CreatedBy:    agent,
				CreatedAt:    now,
				UpdatedAt:    now,
			}
			if pn.State != nil {
				if err := validateJSON(*pn.State); err != nil {
					return nil, fmt.Errorf("plan node %s: state: %w", pn.Ref, err)
				}
			}
			if len(pn.Properties) > 0 {
				if err := mergeProperties(&n, pn.Properties); err != nil {
					return nil, fmt.Errorf("plan node %s: %w", pn.Ref, err)
				}
			}
			if err := e.Repo.InsertNodeTx(ctx, tx, n); err != nil {
				return nil, err
			}
			if err := e.Audit.Append(ctx, tx, n.ID, agent, "create", audit.Payload{"summary": n.Summary, "parent": parentID}); err != nil {
				return nil, err
			}
			inserted[n.ID] = n
			progressed = true
		}
		if !progressed {
			return nil, ErrCycleDetected
		}
		pending = next
	}

	for _, pn := range batch {
		from := ids[pn.Ref]
		for _, dep := range pn.DependsOn {
			to := dep
			if refID, isRef := ids[dep]; isRef {
				to = refID
			} else if _, err := e.Repo.GetNodeTx(ctx, tx, dep); err != nil {
				return nil, fmt.Errorf("plan node %s: depends_on %s: %w", pn.Ref, dep, err)
			}
			if err := e.ensureNoDependencyCycle(ctx, tx, from, to); err != nil {
				return nil, err
			}
			if err := e.Repo.AddEdgeTx(ctx, tx, domain.Edge{FromNode: from, ToNode: to, Type: domain.EdgeDependsOn, CreatedAt: now}); err != nil {
				return nil, err
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}
