package engine

import (
	"context"
	"database/sql"
)

// ensureValidParent rejects a parent change that would put nodeID above
// itself: the candidate parent must not be nodeID or any of its descendants.
// Runs inside the caller's transaction so the check and the write commit
// together.
func (e Engine) ensureValidParent(ctx context.Context, tx *sql.Tx, nodeID, parentID string) error {
	if parentID == nodeID {
		return ErrCycleDetected
	}
	var hit int
	err := tx.QueryRowContext(ctx, `
WITH RECURSIVE sub(id) AS (
  SELECT id FROM nodes WHERE id = ?
  UNION ALL
  SELECT c.id FROM nodes c JOIN sub s ON c.parent_id = s.id
)
SELECT COUNT(*) FROM sub WHERE id = ?`, nodeID, parentID).Scan(&hit)
	if err != nil {
		return err
	}
	if hit > 0 {
		return ErrCycleDetected
	}
	return nil
}

// ensureNoDependencyCycle rejects a depends_on edge from->to when `from`
// is already reachable from `to` over depends_on edges, which would close
// the cycle to -> ... -> from -> to.
func (e Engine) ensureNoDependencyCycle(ctx context.Context, tx *sql.Tx, from, to string) error {
	if from == to {
		return ErrCycleDetected
	}
	var hit int
	err := tx.QueryRowContext(ctx, `
WITH RECURSIVE reach(id) AS (
  SELECT to_node FROM edges WHERE from_node = ? AND type = 'depends_on'
  UNION
  SELECT e.to_node FROM edges e JOIN reach r ON e.from_node = r.id AND e.type = 'depends_on'
)
SELECT COUNT(*) FROM reach WHERE id = ?`, to, from).Scan(&hit)
	if err != nil {
		return err
	}
	if hit > 0 {
		return ErrCycleDetected
	}
	return nil
}

// dependencyCycleThrough reports whether id sits on a depends_on cycle.
// Used after merge repoints edges, where per-edge checks do not apply.
func (e Engine) dependencyCycleThrough(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	var hit int
	err := tx.QueryRowContext(ctx, `
WITH RECURSIVE reach(id) AS (
  SELECT to_node FROM edges WHERE from_node = ? AND type = 'depends_on'
  UNION
  SELECT e.to_node FROM edges e JOIN reach r ON e.from_node = r.id AND e.type = 'depends_on'
)
SELECT COUNT(*) FROM reach WHERE id = ?`, id, id).Scan(&hit)
	if err != nil {
		return false, err
	}
	return hit > 0, nil
}
