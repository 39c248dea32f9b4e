package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"taskloom/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const nodeColumns = `id,project,parent_id,summary,resolved,state_json,properties_json,priority,context_links_json,blocked,blocked_reason,created_by,created_at,updated_at`

type nodeScanner interface {
	Scan(dest ...any) error
}

func scanNode(row nodeScanner) (domain.Node, error) {
	var n domain.Node
	var parentID, stateJSON, propsJSON, linksJSON, blockedReason sql.NullString
	var priority sql.NullInt64
	var resolved, blocked int
	err := row.Scan(&n.ID, &n.Project, &parentID, &n.Summary, &resolved, &stateJSON, &propsJSON,
		&priority, &linksJSON, &blocked, &blockedReason, &n.CreatedBy, &n.CreatedAt, &n.UpdatedAt)
	if err == sql.ErrNoRows {
		return n, ErrNotFound
	}
	if err != nil {
		return n, err
	}
	n.Resolved = resolved != 0
	n.Blocked = blocked != 0
	if parentID.Valid {
		n.ParentID = &parentID.String
	}
	if stateJSON.Valid {
		n.StateJSON = &stateJSON.String
	}
	if propsJSON.Valid {
		n.PropertiesJSON = &propsJSON.String
	}
	if priority.Valid {
		p := int(priority.Int64)
		n.Priority = &p
	}
	if linksJSON.Valid && linksJSON.String != "" {
		_ = json.Unmarshal([]byte(linksJSON.String), &n.ContextLinks)
	}
	if blockedReason.Valid {
		n.BlockedReason = &blockedReason.String
	}
	return n, nil
}

func encodeLinks(links []string) any {
	if len(links) == 0 {
		return nil
	}
	b, _ := json.Marshal(links)
	return string(b)
}

func (r Repo) InsertNodeTx(ctx context.Context, tx *sql.Tx, n domain.Node) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO nodes(`+nodeColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		n.ID, n.Project, nullableStringPtr(n.ParentID), n.Summary, boolInt(n.Resolved),
		nullableStringPtr(n.StateJSON), nullableStringPtr(n.PropertiesJSON), nullableIntPtr(n.Priority),
		encodeLinks(n.ContextLinks), boolInt(n.Blocked), nullableStringPtr(n.BlockedReason),
		n.CreatedBy, n.CreatedAt, n.UpdatedAt)
	return err
}

func (r Repo) UpdateNodeTx(ctx context.Context, tx *sql.Tx, n domain.Node) error {
	res, err := tx.ExecContext(ctx, `UPDATE nodes SET parent_id=?, summary=?, resolved=?, state_json=?, properties_json=?, priority=?, context_links_json=?, blocked=?, blocked_reason=?, updated_at=? WHERE id=?`,
		nullableStringPtr(n.ParentID), n.Summary, boolInt(n.Resolved),
		nullableStringPtr(n.StateJSON), nullableStringPtr(n.PropertiesJSON), nullableIntPtr(n.Priority),
		encodeLinks(n.ContextLinks), boolInt(n.Blocked), nullableStringPtr(n.BlockedReason),
		n.UpdatedAt, n.ID)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteNodeTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM nodes WHERE id=?`, id)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetNode(ctx context.Context, id string) (domain.Node, error) {
	n, err := scanNode(r.DB.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id=?`, id))
	if err != nil {
		return n, err
	}
	if n.DependsOn, err = r.listDependsOn(ctx, r.DB.QueryContext, id); err != nil {
		return n, err
	}
	n.Claim, err = r.getClaim(ctx, r.DB.QueryRowContext, id)
	return n, err
}

func (r Repo) GetNodeTx(ctx context.Context, tx *sql.Tx, id string) (domain.Node, error) {
	n, err := scanNode(tx.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id=?`, id))
	if err != nil {
		return n, err
	}
	if n.DependsOn, err = r.listDependsOn(ctx, tx.QueryContext, id); err != nil {
		return n, err
	}
	n.Claim, err = r.getClaim(ctx, tx.QueryRowContext, id)
	return n, err
}

// GetProjectRoot returns the project's root node (parent IS NULL).
func (r Repo) GetProjectRoot(ctx context.Context, project string) (domain.Node, error) {
	return scanNode(r.DB.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE project=? AND parent_id IS NULL`, project))
}

func (r Repo) GetProjectRootTx(ctx context.Context, tx *sql.Tx, project string) (domain.Node, error) {
	return scanNode(tx.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE project=? AND parent_id IS NULL`, project))
}

func collectNodes(rows *sql.Rows, err error) ([]domain.Node, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, rows.Err()
}

// ListChildren returns direct children in insertion order. Ordering by
// the seq column rather than created_at keeps siblings of one plan batch
// stable; they all share a single second-resolution timestamp.
func (r Repo) ListChildren(ctx context.Context, parentID string) ([]domain.Node, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE parent_id=? ORDER BY seq ASC`, parentID)
	return collectNodes(rows, err)
}

func (r Repo) ListChildrenTx(ctx context.Context, tx *sql.Tx, parentID string) ([]domain.Node, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE parent_id=? ORDER BY seq ASC`, parentID)
	return collectNodes(rows, err)
}

func (r Repo) CountChildrenTx(ctx context.Context, tx *sql.Tx, parentID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT count(*) FROM nodes WHERE parent_id=?`, parentID).Scan(&n)
	return n, err
}

const ancestorsQuery = `WITH RECURSIVE ancestors(id, project, parent_id, summary, resolved, state_json, properties_json, priority, context_links_json, blocked, blocked_reason, created_by, created_at, updated_at, lvl) AS (
	SELECT ` + nodeColumns + `, 0 FROM nodes WHERE id=(SELECT parent_id FROM nodes WHERE id=?)
	UNION ALL
	SELECT n.id, n.project, n.parent_id, n.summary, n.resolved, n.state_json, n.properties_json, n.priority, n.context_links_json, n.blocked, n.blocked_reason, n.created_by, n.created_at, n.updated_at, a.lvl+1
	FROM nodes n JOIN ancestors a ON n.id = a.parent_id
)
SELECT id, project, parent_id, summary, resolved, state_json, properties_json, priority, context_links_json, blocked, blocked_reason, created_by, created_at, updated_at
FROM ancestors ORDER BY lvl DESC`

// ListAncestors returns the chain from the project root down to the node's
// immediate parent. A root node has no ancestors.
func (r Repo) ListAncestors(ctx context.Context, id string) ([]domain.Node, error) {
	rows, err := r.DB.QueryContext(ctx, ancestorsQuery, id)
	return collectNodes(rows, err)
}

func (r Repo) ListAncestorsTx(ctx context.Context, tx *sql.Tx, id string) ([]domain.Node, error) {
	rows, err := tx.QueryContext(ctx, ancestorsQuery, id)
	return collectNodes(rows, err)
}

const subtreeProgressQuery = `WITH RECURSIVE descendants(id) AS (
	SELECT id FROM nodes WHERE parent_id=?
	UNION ALL
	SELECT n.id FROM nodes n JOIN descendants d ON n.parent_id = d.id
)
SELECT COALESCE(SUM(nodes.resolved),0), COUNT(*) FROM nodes JOIN descendants ON nodes.id = descendants.id`

// SubtreeProgress aggregates resolved/total over a node's descendant set
// without materializing the subtree.
func (r Repo) SubtreeProgress(ctx context.Context, id string) (domain.Progress, error) {
	var p domain.Progress
	err := r.DB.QueryRowContext(ctx, subtreeProgressQuery, id).Scan(&p.Resolved, &p.Total)
	return p, err
}

func (r Repo) SubtreeProgressTx(ctx context.Context, tx *sql.Tx, id string) (domain.Progress, error) {
	var p domain.Progress
	err := tx.QueryRowContext(ctx, subtreeProgressQuery, id).Scan(&p.Resolved, &p.Total)
	return p, err
}

// ListSubtreeIDsTx returns the ids of a node's descendants (excluding the
// node itself), deepest entries last.
func (r Repo) ListSubtreeIDsTx(ctx context.Context, tx *sql.Tx, id string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `WITH RECURSIVE descendants(id, lvl) AS (
		SELECT id, 1 FROM nodes WHERE parent_id=?
		UNION ALL
		SELECT n.id, d.lvl+1 FROM nodes n JOIN descendants d ON n.parent_id = d.id
	) SELECT id FROM descendants ORDER BY lvl ASC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var nid string
		if err := rows.Scan(&nid); err != nil {
			return nil, err
		}
		ids = append(ids, nid)
	}
	return ids, rows.Err()
}

// ListProjects returns one summary per project, newest first.
func (r Repo) ListProjects(ctx context.Context) ([]domain.ProjectSummary, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT roots.project, roots.id, roots.summary, roots.created_at,
		COALESCE(SUM(n.resolved),0), COUNT(n.id)
	FROM nodes roots
	LEFT JOIN nodes n ON n.project = roots.project AND n.id != roots.id
	WHERE roots.parent_id IS NULL
	GROUP BY roots.project, roots.id, roots.summary, roots.created_at
	ORDER BY roots.created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ProjectSummary
	for rows.Next() {
		var s domain.ProjectSummary
		if err := rows.Scan(&s.Project, &s.RootID, &s.Goal, &s.CreatedAt, &s.Progress.Resolved, &s.Progress.Total); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// --- helpers ---

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
