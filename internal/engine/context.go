package engine

import (
	"context"
	"database/sql"
	"errors"

	"taskloom/internal/domain"
)

// TreeNode is one node of a depth-bounded children rendering. Truncated
// marks nodes whose own children were cut off by the depth limit; Progress
// still covers the full subtree beneath them.
type TreeNode struct {
	Node      domain.Node     `json:"node"`
	Progress  domain.Progress `json:"progress"`
	Truncated bool            `json:"truncated"`
	Children  []TreeNode      `json:"children,omitempty"`
}

// DepStatus describes one end of a depends_on edge and whether it is
// resolved, so callers see at a glance what still gates a node.
type DepStatus struct {
	ID       string `json:"id"`
	Summary  string `json:"summary"`
	Resolved bool   `json:"resolved"`
}

// NodeContext is the full working picture of one node: where it sits in
// the tree, what is beneath it, and how its dependencies stand.
type NodeContext struct {
	Node       domain.Node     `json:"node"`
	Ancestors  []domain.Node   `json:"ancestors,omitempty"`
	Children   []TreeNode      `json:"children,omitempty"`
	Progress   domain.Progress `json:"progress"`
	DependsOn  []DepStatus     `json:"depends_on,omitempty"`
	Dependents []DepStatus     `json:"dependents,omitempty"`
}

// Context assembles a node's surroundings in one consistent snapshot. The
// children tree is cut at depth levels; deeper subtrees keep exact
// resolved/total counts via the aggregate query.
func (e Engine) Context(ctx context.Context, nodeID string, depth int) (NodeContext, error) {
	if nodeID == "" {
		return NodeContext{}, errors.New("node_id is required")
	}
	if depth <= 0 {
		depth = e.Config.Context.ChildDepth
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return NodeContext{}, err
	}
	defer tx.Rollback()

	n, err := e.Repo.GetNodeTx(ctx, tx, nodeID)
	if err != nil {
		return NodeContext{}, err
	}
	out := NodeContext{Node: n}
	if out.Ancestors, err = e.Repo.ListAncestorsTx(ctx, tx, nodeID); err != nil {
		return NodeContext{}, err
	}
	if out.Progress, err = e.Repo.SubtreeProgressTx(ctx, tx, nodeID); err != nil {
		return NodeContext{}, err
	}
	if out.Children, err = e.childTree(ctx, tx, nodeID, depth); err != nil {
		return NodeContext{}, err
	}
	for _, dep := range n.DependsOn {
		d, err := e.Repo.GetNodeTx(ctx, tx, dep)
		if err != nil {
			return NodeContext{}, err
		}
		out.DependsOn = append(out.DependsOn, DepStatus{ID: d.ID, Summary: d.Summary, Resolved: d.Resolved})
	}
	dependents, err := e.Repo.ListDependentsTx(ctx, tx, nodeID)
	if err != nil {
		return NodeContext{}, err
	}
	for _, id := range dependents {
		d, err := e.Repo.GetNodeTx(ctx, tx, id)
		if err != nil {
			return NodeContext{}, err
		}
		out.Dependents = append(out.Dependents, DepStatus{ID: d.ID, Summary: d.Summary, Resolved: d.Resolved})
	}
	return out, tx.Commit()
}

func (e Engine) childTree(ctx context.Context, tx *sql.Tx, parentID string, depth int) ([]TreeNode, error) {
	children, err := e.Repo.ListChildrenTx(ctx, tx, parentID)
	if err != nil {
		return nil, err
	}
	var out []TreeNode
	for _, c := range children {
		tn := TreeNode{Node: c}
		if tn.Progress, err = e.Repo.SubtreeProgressTx(ctx, tx, c.ID); err != nil {
			return nil, err
		}
		if depth > 1 {
			if tn.Children, err = e.childTree(ctx, tx, c.ID, depth-1); err != nil {
				return nil, err
			}
		} else {
			count, err := e.Repo.CountChildrenTx(ctx, tx, c.ID)
			if err != nil {
				return nil, err
			}
			tn.Truncated = count > 0
		}
		out = append(out, tn)
	}
	return out, nil
}
