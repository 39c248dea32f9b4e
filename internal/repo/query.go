package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"taskloom/internal/domain"
)

// actionableWhere gates a node on the four selection rules: unresolved leaf,
// all dependencies resolved, not blocked, and no live claim held by another
// agent. The caller appends `now` and `agent` to the arg list.
const actionableWhere = `
  n.resolved = 0
  AND n.blocked = 0
  AND NOT EXISTS (SELECT 1 FROM nodes c WHERE c.parent_id = n.id)
  AND NOT EXISTS (
    SELECT 1 FROM edges e JOIN nodes dep ON dep.id = e.to_node
    WHERE e.from_node = n.id AND e.type = 'depends_on' AND dep.resolved = 0
  )
  AND NOT EXISTS (
    SELECT 1 FROM claims cl
    WHERE cl.node_id = n.id AND cl.expires_at > ? AND cl.agent <> ?
  )`

// depthCTE computes each node's distance from its project root. Deeper nodes
// rank ahead of shallower ones at equal priority.
const depthCTE = `
WITH RECURSIVE depth(id, lvl) AS (
  SELECT id, 0 FROM nodes WHERE parent_id IS NULL
  UNION ALL
  SELECT n.id, d.lvl + 1 FROM nodes n JOIN depth d ON n.parent_id = d.id
)`

const rankOrder = ` ORDER BY CASE WHEN n.priority IS NULL THEN 1 ELSE 0 END,
 n.priority DESC, d.lvl DESC, n.updated_at ASC, n.id ASC`

// NextActionableTx picks the single best actionable node of a project, or
// nil when nothing qualifies. Ranking: priority DESC with nulls last, then
// depth DESC, then least-recently-updated first.
func (r Repo) NextActionableTx(ctx context.Context, tx *sql.Tx, project, agent, now string) (*domain.Node, error) {
	q := depthCTE + `
SELECT ` + prefixColumns("n") + ` FROM nodes n JOIN depth d ON d.id = n.id
WHERE n.project = ? AND` + actionableWhere + rankOrder + ` LIMIT 1`
	n, err := scanNode(tx.QueryRowContext(ctx, q, project, now, agent))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	if n.DependsOn, err = r.listDependsOn(ctx, tx.QueryContext, n.ID); err != nil {
		return nil, err
	}
	if n.Claim, err = r.getClaim(ctx, tx.QueryRowContext, n.ID); err != nil {
		return nil, err
	}
	return &n, nil
}

// ListActionableIDsTx reports which of the given nodes are actionable right
// now. Used by update to compute the newly-actionable set.
func (r Repo) ListActionableIDsTx(ctx context.Context, tx *sql.Tx, ids []string, now string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(ids)+2)
	holes := make([]string, len(ids))
	for i, id := range ids {
		holes[i] = "?"
		args = append(args, id)
	}
	args = append(args, now, "")
	q := `SELECT n.id FROM nodes n WHERE n.id IN (` + strings.Join(holes, ",") + `) AND` + actionableWhere
	rows, err := tx.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// NodeFilters narrows QueryNodes. Zero-value fields are ignored.
type NodeFilters struct {
	Project    string
	Resolved   *bool
	Blocked    *bool
	Text       string // substring match on summary
	Ancestor   string // restrict to the subtree under this node id
	Actionable bool
	Now        string // required when Actionable is set
	Agent      string // claims held by this agent do not hide a node
	PropKey    string // json_extract match on properties
	PropValue  string
	Limit      int
}

// QueryNodes lists nodes matching the filters, ranked like next selection.
func (r Repo) QueryNodes(ctx context.Context, f NodeFilters) ([]domain.Node, error) {
	clauses := []string{"1=1"}
	args := []any{}
	if f.Project != "" {
		clauses = append(clauses, "n.project = ?")
		args = append(args, f.Project)
	}
	if f.Resolved != nil {
		clauses = append(clauses, "n.resolved = ?")
		args = append(args, boolInt(*f.Resolved))
	}
	if f.Blocked != nil {
		clauses = append(clauses, "n.blocked = ?")
		args = append(args, boolInt(*f.Blocked))
	}
	if f.Text != "" {
		clauses = append(clauses, "n.summary LIKE ?")
		args = append(args, "%"+f.Text+"%")
	}
	if f.Ancestor != "" {
		clauses = append(clauses, `n.id IN (
  WITH RECURSIVE sub(id) AS (
    SELECT id FROM nodes WHERE id = ?
    UNION ALL
    SELECT c.id FROM nodes c JOIN sub s ON c.parent_id = s.id
  ) SELECT id FROM sub WHERE id <> ?)`)
		args = append(args, f.Ancestor, f.Ancestor)
	}
	if f.PropKey != "" {
		clauses = append(clauses, "json_extract(n.properties_json, ?) = ?")
		args = append(args, "$."+f.PropKey, f.PropValue)
	}
	if f.Actionable {
		clauses = append(clauses, strings.TrimSpace(actionableWhere))
		args = append(args, f.Now, f.Agent)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	q := depthCTE + `
SELECT ` + prefixColumns("n") + ` FROM nodes n JOIN depth d ON d.id = n.id
WHERE ` + strings.Join(clauses, " AND ") + rankOrder + fmt.Sprintf(" LIMIT %d", limit)
	nodes, err := collectNodes(r.DB.QueryContext(ctx, q, args...))
	if err != nil {
		return nil, err
	}
	for i := range nodes {
		if nodes[i].DependsOn, err = r.listDependsOn(ctx, r.DB.QueryContext, nodes[i].ID); err != nil {
			return nil, err
		}
		if nodes[i].Claim, err = r.getClaim(ctx, r.DB.QueryRowContext, nodes[i].ID); err != nil {
			return nil, err
		}
	}
	return nodes, nil
}

func prefixColumns(alias string) string {
	cols := strings.Split(nodeColumns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ",")
}
