package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"taskloom/internal/audit"
	"taskloom/internal/domain"
)

// Move reparents a node, carrying its whole subtree along. Rejected with
// ErrCycleDetected when the new parent sits inside that subtree.
func (e Engine) Move(ctx context.Context, nodeID, newParentID, agent string) (domain.Node, error) {
	if nodeID == "" || newParentID == "" {
		return domain.Node{}, errors.New("node_id and new_parent are required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Node{}, err
	}
	defer tx.Rollback()

	n, err := e.Repo.GetNodeTx(ctx, tx, nodeID)
	if err != nil {
		return domain.Node{}, err
	}
	if n.ParentID == nil {
		return domain.Node{}, fmt.Errorf("node %s is a project root and cannot be moved", nodeID)
	}
	parent, err := e.Repo.GetNodeTx(ctx, tx, newParentID)
	if err != nil {
		return domain.Node{}, err
	}
	if parent.Project != n.Project {
		return domain.Node{}, fmt.Errorf("new parent %s belongs to project %s", newParentID, parent.Project)
	}
	if err := e.ensureValidParent(ctx, tx, nodeID, newParentID); err != nil {
		return domain.Node{}, err
	}
	old := *n.ParentID
	n.ParentID = &newParentID
	n.UpdatedAt = e.nowString()
	if err := e.Repo.UpdateNodeTx(ctx, tx, n); err != nil {
		return domain.Node{}, err
	}
	if err := e.Audit.Append(ctx, tx, n.ID, agent, "move", audit.Payload{"from_parent": old, "to_parent": newParentID}); err != nil {
		return domain.Node{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Node{}, err
	}
	return n, nil
}

// Merge absorbs node `from` into node `into`: children are reparented,
// evidence and context links carried over, edges repointed, then `from` is
// removed. When the two disagree on resolved or state the caller must
// reconcile first; the merge fails with ErrMergeConflict instead of picking
// a winner.
func (e Engine) Merge(ctx context.Context, intoID, fromID, agent string) (domain.Node, error) {
	if intoID == "" || fromID == "" {
		return domain.Node{}, errors.New("into and from are required")
	}
	if intoID == fromID {
		return domain.Node{}, errors.New("cannot merge a node into itself")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Node{}, err
	}
	defer tx.Rollback()

	into, err := e.Repo.GetNodeTx(ctx, tx, intoID)
	if err != nil {
		return domain.Node{}, err
	}
	from, err := e.Repo.GetNodeTx(ctx, tx, fromID)
	if err != nil {
		return domain.Node{}, err
	}
	if from.ParentID == nil {
		return domain.Node{}, fmt.Errorf("node %s is a project root and cannot be merged away", fromID)
	}
	if from.Project != into.Project {
		return domain.Node{}, fmt.Errorf("nodes %s and %s are in different projects", intoID, fromID)
	}
	if into.Resolved != from.Resolved {
		return domain.Node{}, ErrMergeConflict
	}
	if into.StateJSON != nil && from.StateJSON != nil && *into.StateJSON != *from.StateJSON {
		return domain.Node{}, ErrMergeConflict
	}
	// `into` must not live under `from`, or reparenting from's children
	// onto it would detach the subtree into a cycle.
	if err := e.ensureValidParent(ctx, tx, fromID, intoID); err != nil {
		return domain.Node{}, err
	}

	children, err := e.Repo.ListChildrenTx(ctx, tx, fromID)
	if err != nil {
		return domain.Node{}, err
	}
	now := e.nowString()
	for _, c := range children {
		c.ParentID = &intoID
		c.UpdatedAt = now
		if err := e.Repo.UpdateNodeTx(ctx, tx, c); err != nil {
			return domain.Node{}, err
		}
	}
	if err := e.Repo.RepointEvidenceTx(ctx, tx, fromID, intoID); err != nil {
		return domain.Node{}, err
	}
	if err := e.Repo.RepointEdgesTx(ctx, tx, fromID, intoID); err != nil {
		return domain.Node{}, err
	}
	if cyclic, err := e.dependencyCycleThrough(ctx, tx, intoID); err != nil {
		return domain.Node{}, err
	} else if cyclic {
		return domain.Node{}, ErrCycleDetected
	}
	if into.StateJSON == nil {
		into.StateJSON = from.StateJSON
	}
	into.ContextLinks = appendMissing(into.ContextLinks, from.ContextLinks)
	into.UpdatedAt = now
	if err := e.Repo.UpdateNodeTx(ctx, tx, into); err != nil {
		return domain.Node{}, err
	}
	if err := e.Repo.DeleteClaimTx(ctx, tx, fromID); err != nil {
		return domain.Node{}, err
	}
	if err := e.Repo.DeleteNodeTx(ctx, tx, fromID); err != nil {
		return domain.Node{}, err
	}
	if err := e.Audit.Append(ctx, tx, intoID, agent, "merge", audit.Payload{"absorbed": fromID, "children": len(children)}); err != nil {
		return domain.Node{}, err
	}
	if err := e.Audit.Append(ctx, tx, fromID, agent, "merge", audit.Payload{"into": intoID}); err != nil {
		return domain.Node{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Node{}, err
	}
	return e.Repo.GetNode(ctx, intoID)
}

// Drop removes a node. By default its children are reparented to the
// dropped node's own parent; with cascade the whole subtree goes. Audit
// entries survive removal.
func (e Engine) Drop(ctx context.Context, nodeID, agent string, cascade bool) ([]string, error) {
	if nodeID == "" {
		return nil, errors.New("node_id is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	n, err := e.Repo.GetNodeTx(ctx, tx, nodeID)
	if err != nil {
		return nil, err
	}
	if n.ParentID == nil {
		return nil, fmt.Errorf("node %s is a project root and cannot be dropped", nodeID)
	}
	var removed []string
	if cascade {
		ids, err := e.Repo.ListSubtreeIDsTx(ctx, tx, nodeID)
		if err != nil {
			return nil, err
		}
		// children before parents, the parent FK demands it
		for i := len(ids) - 1; i >= 0; i-- {
			if err := e.removeNodeTx(ctx, tx, ids[i]); err != nil {
				return nil, err
			}
			removed = append(removed, ids[i])
		}
		if err := e.removeNodeTx(ctx, tx, nodeID); err != nil {
			return nil, err
		}
		removed = append(removed, nodeID)
	} else {
		children, err := e.Repo.ListChildrenTx(ctx, tx, nodeID)
		if err != nil {
			return nil, err
		}
		now := e.nowString()
		for _, c := range children {
			c.ParentID = n.ParentID
			c.UpdatedAt = now
			if err := e.Repo.UpdateNodeTx(ctx, tx, c); err != nil {
				return nil, err
			}
		}
		if err := e.removeNodeTx(ctx, tx, nodeID); err != nil {
			return nil, err
		}
		removed = append(removed, nodeID)
	}
	if err := e.Audit.Append(ctx, tx, nodeID, agent, "drop", audit.Payload{"cascade": cascade, "removed": len(removed)}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return removed, nil
}

func (e Engine) removeNodeTx(ctx context.Context, tx *sql.Tx, id string) error {
	if err := e.Repo.DeleteClaimTx(ctx, tx, id); err != nil {
		return err
	}
	if err := e.Repo.DeleteEvidenceOfTx(ctx, tx, id); err != nil {
		return err
	}
	if err := e.Repo.DeleteEdgesOfTx(ctx, tx, id); err != nil {
		return err
	}
	return e.Repo.DeleteNodeTx(ctx, tx, id)
}
