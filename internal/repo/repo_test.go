package repo_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"taskloom/internal/db"
	"taskloom/internal/domain"
	"taskloom/internal/migrate"
	"taskloom/internal/repo"
)

func newTestRepo(t *testing.T) (repo.Repo, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}, context.Background()
}

func insert(t *testing.T, r repo.Repo, ctx context.Context, n domain.Node) {
	t.Helper()
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if err := r.InsertNodeTx(ctx, tx, n); err != nil {
		t.Fatalf("insert %s: %v", n.ID, err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

func node(id, project string, parent *string, ts string) domain.Node {
	return domain.Node{
		ID:        id,
		Project:   project,
		ParentID:  parent,
		Summary:   "node " + id,
		CreatedBy: "tester",
		CreatedAt: ts,
		UpdatedAt: ts,
	}
}

func TestGetNodeNotFound(t *testing.T) {
	r, ctx := newTestRepo(t)
	if _, err := r.GetNode(ctx, "missing"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestChildrenInsertionOrder(t *testing.T) {
	r, ctx := newTestRepo(t)
	root := "root"
	insert(t, r, ctx, node(root, "p", nil, "2026-01-01T00:00:00Z"))
	// identical created_at everywhere: order must follow insertion, not
	// timestamps or lexical id
	insert(t, r, ctx, node("c", "p", &root, "2026-01-01T00:00:01Z"))
	insert(t, r, ctx, node("a", "p", &root, "2026-01-01T00:00:01Z"))
	insert(t, r, ctx, node("b", "p", &root, "2026-01-01T00:00:01Z"))
	children, err := r.ListChildren(ctx, root)
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for _, c := range children {
		got = append(got, c.ID)
	}
	want := []string{"c", "a", "b"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("children order %v, want %v", got, want)
	}
}

func TestAncestorsRootFirst(t *testing.T) {
	r, ctx := newTestRepo(t)
	ids := []string{"r", "l1", "l2", "l3"}
	var parent *string
	for i, id := range ids {
		insert(t, r, ctx, node(id, "p", parent, fmt.Sprintf("2026-01-01T00:00:0%dZ", i)))
		pid := id
		parent = &pid
	}
	anc, err := r.ListAncestors(ctx, "l3")
	if err != nil {
		t.Fatal(err)
	}
	if len(anc) != 3 {
		t.Fatalf("got %d ancestors, want 3", len(anc))
	}
	for i, want := range []string{"r", "l1", "l2"} {
		if anc[i].ID != want {
			t.Fatalf("ancestor %d = %s, want %s", i, anc[i].ID, want)
		}
	}
	anc, err = r.ListAncestors(ctx, "r")
	if err != nil {
		t.Fatal(err)
	}
	if len(anc) != 0 {
		t.Fatalf("root has %d ancestors", len(anc))
	}
}

func TestSubtreeProgress(t *testing.T) {
	r, ctx := newTestRepo(t)
	root := "r"
	insert(t, r, ctx, node(root, "p", nil, "2026-01-01T00:00:00Z"))
	for i := 0; i < 3; i++ {
		n := node(fmt.Sprintf("c%d", i), "p", &root, "2026-01-01T00:00:01Z")
		n.Resolved = i == 0
		insert(t, r, ctx, n)
	}
	p, err := r.SubtreeProgress(ctx, root)
	if err != nil {
		t.Fatal(err)
	}
	if p.Total != 3 || p.Resolved != 1 {
		t.Fatalf("progress %+v, want 1/3", p)
	}
	// a leaf has an empty subtree
	p, err = r.SubtreeProgress(ctx, "c0")
	if err != nil {
		t.Fatal(err)
	}
	if p.Total != 0 || p.Resolved != 0 {
		t.Fatalf("leaf progress %+v, want 0/0", p)
	}
}

func TestListProjects(t *testing.T) {
	r, ctx := newTestRepo(t)
	r1 := "r1"
	insert(t, r, ctx, node(r1, "alpha", nil, "2026-01-01T00:00:00Z"))
	insert(t, r, ctx, node("r2", "beta", nil, "2026-01-02T00:00:00Z"))
	done := node("a", "alpha", &r1, "2026-01-01T00:00:01Z")
	done.Resolved = true
	insert(t, r, ctx, done)
	insert(t, r, ctx, node("b", "alpha", &r1, "2026-01-01T00:00:02Z"))
	projects, err := r.ListProjects(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(projects) != 2 {
		t.Fatalf("got %d projects", len(projects))
	}
	byName := map[string]domain.ProjectSummary{}
	for _, p := range projects {
		byName[p.Project] = p
	}
	alpha := byName["alpha"]
	if alpha.RootID != r1 {
		t.Fatalf("alpha root %s", alpha.RootID)
	}
	if alpha.Progress.Total != 2 || alpha.Progress.Resolved != 1 {
		t.Fatalf("alpha progress %+v", alpha.Progress)
	}
	if byName["beta"].Progress.Total != 0 {
		t.Fatalf("beta progress %+v", byName["beta"].Progress)
	}
}

func TestRepointEdgesDropsSelfEdges(t *testing.T) {
	r, ctx := newTestRepo(t)
	root := "r"
	insert(t, r, ctx, node(root, "p", nil, "2026-01-01T00:00:00Z"))
	for _, id := range []string{"a", "b", "c"} {
		insert(t, r, ctx, node(id, "p", &root, "2026-01-01T00:00:01Z"))
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	edges := []domain.Edge{
		{FromNode: "a", ToNode: "b", Type: domain.EdgeDependsOn, CreatedAt: "2026-01-01T00:00:02Z"},
		{FromNode: "c", ToNode: "b", Type: domain.EdgeDependsOn, CreatedAt: "2026-01-01T00:00:02Z"},
	}
	for _, e := range edges {
		if err := r.AddEdgeTx(ctx, tx, e); err != nil {
			t.Fatal(err)
		}
	}
	// merging b into a: a->b would become a->a and must vanish
	if err := r.RepointEdgesTx(ctx, tx, "b", "a"); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	a, err := r.GetNode(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if len(a.DependsOn) != 0 {
		t.Fatalf("self-edge survived repoint: %v", a.DependsOn)
	}
	c, err := r.GetNode(ctx, "c")
	if err != nil {
		t.Fatal(err)
	}
	if len(c.DependsOn) != 1 || c.DependsOn[0] != "a" {
		t.Fatalf("edge not repointed: %v", c.DependsOn)
	}
}

func TestClaimRoundTrip(t *testing.T) {
	r, ctx := newTestRepo(t)
	insert(t, r, ctx, node("n", "p", nil, "2026-01-01T00:00:00Z"))
	c, err := r.GetClaim(ctx, "n")
	if err != nil {
		t.Fatal(err)
	}
	if c != nil {
		t.Fatalf("unexpected claim %+v", c)
	}
	withTx(t, r, ctx, func(tx *sql.Tx) error {
		return r.UpsertClaimTx(ctx, tx, domain.Claim{NodeID: "n", Agent: "a1", AcquiredAt: "2026-01-01T00:01:00Z", ExpiresAt: "2026-01-01T00:16:00Z"})
	})
	withTx(t, r, ctx, func(tx *sql.Tx) error {
		return r.UpsertClaimTx(ctx, tx, domain.Claim{NodeID: "n", Agent: "a2", AcquiredAt: "2026-01-01T00:20:00Z", ExpiresAt: "2026-01-01T00:35:00Z"})
	})
	c, err = r.GetClaim(ctx, "n")
	if err != nil {
		t.Fatal(err)
	}
	if c == nil || c.Agent != "a2" {
		t.Fatalf("upsert did not replace holder: %+v", c)
	}
}

func withTx(t *testing.T, r repo.Repo, ctx context.Context, fn func(tx *sql.Tx) error) {
	t.Helper()
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}
