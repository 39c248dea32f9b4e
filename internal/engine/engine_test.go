package engine_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"taskloom/internal/config"
	"taskloom/internal/db"
	"taskloom/internal/engine"
	"taskloom/internal/migrate"
	"taskloom/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Root   string
	now    time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	env := &testEnv{Ctx: context.Background(), now: time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)}
	env.Engine = engine.New(conn, config.Default())
	env.Engine.Now = func() time.Time { return env.now }
	env.Engine.Audit.Now = env.Engine.Now
	s, err := env.Engine.Open(env.Ctx, "demo", "ship the demo", "tester")
	if err != nil {
		t.Fatalf("open project: %v", err)
	}
	env.Root = s.RootID
	return env
}

func (e *testEnv) advance(d time.Duration) {
	e.now = e.now.Add(d)
}

// leaf creates one leaf node under parent and returns its id.
func (e *testEnv) leaf(t *testing.T, parent, summary string, deps ...string) string {
	t.Helper()
	ids, err := e.Engine.Plan(e.Ctx, []engine.PlanNode{
		{Ref: "n", ParentRef: parent, Summary: summary, DependsOn: deps},
	}, "tester")
	if err != nil {
		t.Fatalf("plan %s: %v", summary, err)
	}
	return ids["n"]
}

func (e *testEnv) resolve(t *testing.T, id string) engine.UpdateResult {
	t.Helper()
	resolved := true
	res, err := e.Engine.Update(e.Ctx, []engine.NodeUpdate{{NodeID: id, Resolved: &resolved}}, "tester")
	if err != nil {
		t.Fatalf("resolve %s: %v", id, err)
	}
	return res
}

func TestDependencyCycleRejected(t *testing.T) {
	env := newTestEnv(t)
	a := env.leaf(t, env.Root, "a")
	b := env.leaf(t, env.Root, "b")
	c := env.leaf(t, env.Root, "c")
	if err := env.Engine.Connect(env.Ctx, a, b, "depends_on", "tester", false); err != nil {
		t.Fatalf("a->b: %v", err)
	}
	if err := env.Engine.Connect(env.Ctx, b, c, "depends_on", "tester", false); err != nil {
		t.Fatalf("b->c: %v", err)
	}
	err := env.Engine.Connect(env.Ctx, c, a, "depends_on", "tester", false)
	if !errors.Is(err, engine.ErrCycleDetected) {
		t.Fatalf("expected cycle error, got %v", err)
	}
	// no partial edge
	n, err := env.Engine.Repo.GetNode(env.Ctx, c)
	if err != nil {
		t.Fatal(err)
	}
	if len(n.DependsOn) != 0 {
		t.Fatalf("graph changed after rejected edge: %v", n.DependsOn)
	}
	if err := env.Engine.Connect(env.Ctx, a, a, "depends_on", "tester", false); !errors.Is(err, engine.ErrCycleDetected) {
		t.Fatalf("expected self-edge rejection, got %v", err)
	}
}

func TestNextSkipsParentsBlockedAndGated(t *testing.T) {
	env := newTestEnv(t)
	parent := env.leaf(t, env.Root, "parent")
	child := env.leaf(t, parent, "child")
	dep := env.leaf(t, env.Root, "dep")
	gated := env.leaf(t, env.Root, "gated", dep)
	blockedID := env.leaf(t, env.Root, "stuck")
	blocked := true
	reason := "waiting on vendor"
	if _, err := env.Engine.Update(env.Ctx, []engine.NodeUpdate{{NodeID: blockedID, Blocked: &blocked, BlockedReason: &reason}}, "tester"); err != nil {
		t.Fatal(err)
	}
	seen := map[string]bool{}
	for i := 0; i < 6; i++ {
		n, err := env.Engine.Next(env.Ctx, "demo", fmt.Sprintf("agent-%d", i), true, time.Hour)
		if err != nil {
			t.Fatal(err)
		}
		if n == nil {
			break
		}
		seen[n.ID] = true
	}
	if seen[parent] {
		t.Fatalf("non-leaf node selected")
	}
	if seen[gated] {
		t.Fatalf("dependency-gated node selected")
	}
	if seen[blockedID] {
		t.Fatalf("blocked node selected")
	}
	if !seen[child] || !seen[dep] {
		t.Fatalf("expected leaves selected, got %v", seen)
	}
}

func TestNextDeterministic(t *testing.T) {
	env := newTestEnv(t)
	env.leaf(t, env.Root, "one")
	env.advance(time.Second)
	env.leaf(t, env.Root, "two")
	first, err := env.Engine.Next(env.Ctx, "demo", "agent-1", false, 0)
	if err != nil || first == nil {
		t.Fatalf("next: %v", err)
	}
	for i := 0; i < 3; i++ {
		again, err := env.Engine.Next(env.Ctx, "demo", "agent-1", false, 0)
		if err != nil || again == nil {
			t.Fatalf("next #%d: %v", i, err)
		}
		if again.ID != first.ID {
			t.Fatalf("selection not deterministic: %s vs %s", again.ID, first.ID)
		}
	}
	if first.Summary != "one" {
		t.Fatalf("expected oldest-touched first, got %s", first.Summary)
	}
}

func TestRankingOrder(t *testing.T) {
	env := newTestEnv(t)
	env.leaf(t, env.Root, "plain")
	env.advance(time.Second)
	mid := env.leaf(t, env.Root, "mid")
	env.advance(time.Second)
	parent := env.leaf(t, env.Root, "deep parent")
	deep := env.leaf(t, parent, "deep leaf")
	env.advance(time.Second)
	high := env.leaf(t, env.Root, "urgent")

	set := func(id string, prio int) {
		if _, err := env.Engine.Update(env.Ctx, []engine.NodeUpdate{{NodeID: id, Properties: map[string]any{"priority": prio}}}, "tester"); err != nil {
			t.Fatal(err)
		}
	}
	set(mid, 1)
	set(deep, 5)
	set(high, 5)

	// equal priority: the deeper leaf wins
	n, err := env.Engine.Next(env.Ctx, "demo", "a", false, 0)
	if err != nil || n == nil {
		t.Fatalf("next: %v", err)
	}
	if n.ID != deep {
		t.Fatalf("expected deeper node first, got %s", n.Summary)
	}
	env.resolve(t, deep)
	if n, _ = env.Engine.Next(env.Ctx, "demo", "a", false, 0); n == nil || n.ID != high {
		t.Fatalf("expected highest priority next")
	}
	env.resolve(t, high)
	if n, _ = env.Engine.Next(env.Ctx, "demo", "a", false, 0); n == nil || n.ID != mid {
		t.Fatalf("expected prioritized node before unprioritized")
	}
}

func TestClaimExclusiveAndExpiry(t *testing.T) {
	env := newTestEnv(t)
	only := env.leaf(t, env.Root, "only")
	n, err := env.Engine.Next(env.Ctx, "demo", "agent-1", true, time.Minute)
	if err != nil || n == nil || n.ID != only {
		t.Fatalf("first claim: %v", err)
	}
	if n.Claim == nil || n.Claim.Agent != "agent-1" {
		t.Fatalf("claim metadata missing")
	}
	// a second agent sees nothing while the lease is live
	other, err := env.Engine.Next(env.Ctx, "demo", "agent-2", true, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if other != nil {
		t.Fatalf("claimed node selected by second agent")
	}
	// the holder may renew
	renew, err := env.Engine.Next(env.Ctx, "demo", "agent-1", true, time.Minute)
	if err != nil || renew == nil || renew.ID != only {
		t.Fatalf("holder renew: %v", err)
	}
	// past expiry the claim is treated as absent
	env.advance(2 * time.Minute)
	other, err = env.Engine.Next(env.Ctx, "demo", "agent-2", true, time.Minute)
	if err != nil || other == nil || other.ID != only {
		t.Fatalf("expected re-selection after expiry, got %v (%v)", other, err)
	}
	if other.Claim.Agent != "agent-2" {
		t.Fatalf("claim not taken over")
	}
}

func TestReleaseClaim(t *testing.T) {
	env := newTestEnv(t)
	only := env.leaf(t, env.Root, "only")
	if _, err := env.Engine.Next(env.Ctx, "demo", "agent-1", true, time.Hour); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.Release(env.Ctx, only, "agent-2"); err == nil {
		t.Fatalf("expected release by non-holder to fail")
	}
	if err := env.Engine.Release(env.Ctx, only, "agent-1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	n, err := env.Engine.Next(env.Ctx, "demo", "agent-2", false, 0)
	if err != nil || n == nil || n.ID != only {
		t.Fatalf("expected node selectable after release")
	}
}

func TestPlanAtomic(t *testing.T) {
	env := newTestEnv(t)
	batch := []engine.PlanNode{
		{Ref: "t1", ParentRef: env.Root, Summary: "one"},
		{Ref: "t2", ParentRef: env.Root, Summary: "two", DependsOn: []string{"t1"}},
		{Ref: "t3", ParentRef: "t1", Summary: "three"},
		{Ref: "t4", ParentRef: env.Root, Summary: "four", DependsOn: []string{"t5"}},
		{Ref: "t5", ParentRef: env.Root, Summary: "five", DependsOn: []string{"t4"}}, // closes t4<->t5
	}
	_, err := env.Engine.Plan(env.Ctx, batch, "tester")
	if !errors.Is(err, engine.ErrCycleDetected) {
		t.Fatalf("expected cycle error, got %v", err)
	}
	nodes, err := env.Engine.Query(env.Ctx, repo.NodeFilters{Project: "demo"})
	if err != nil {
		t.Fatal(err)
	}
	if len(nodes) != 1 { // only the root
		t.Fatalf("batch not atomic: %d nodes persisted", len(nodes))
	}
}

func TestPlanForwardRefs(t *testing.T) {
	env := newTestEnv(t)
	ids, err := env.Engine.Plan(env.Ctx, []engine.PlanNode{
		{Ref: "child", ParentRef: "parent", Summary: "child first", DependsOn: []string{"sibling"}},
		{Ref: "parent", ParentRef: env.Root, Summary: "parent later"},
		{Ref: "sibling", ParentRef: "parent", Summary: "sibling"},
	}, "tester")
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	child, err := env.Engine.Repo.GetNode(env.Ctx, ids["child"])
	if err != nil {
		t.Fatal(err)
	}
	if child.ParentID == nil || *child.ParentID != ids["parent"] {
		t.Fatalf("forward parent ref not resolved")
	}
	if len(child.DependsOn) != 1 || child.DependsOn[0] != ids["sibling"] {
		t.Fatalf("forward dep ref not resolved: %v", child.DependsOn)
	}
}

func TestPlanSiblingsKeepBatchOrder(t *testing.T) {
	env := newTestEnv(t)
	var batch []engine.PlanNode
	var wantRefs []string
	for i := 0; i < 8; i++ {
		ref := fmt.Sprintf("s%d", i)
		batch = append(batch, engine.PlanNode{Ref: ref, ParentRef: env.Root, Summary: "sibling " + ref})
		wantRefs = append(wantRefs, ref)
	}
	ids, err := env.Engine.Plan(env.Ctx, batch, "tester")
	if err != nil {
		t.Fatal(err)
	}
	children, err := env.Engine.Repo.ListChildren(env.Ctx, env.Root)
	if err != nil {
		t.Fatal(err)
	}
	if len(children) != len(wantRefs) {
		t.Fatalf("got %d children", len(children))
	}
	// all share one second-resolution timestamp; order must still be
	// the batch order, not the uuid sort
	for i, ref := range wantRefs {
		if children[i].ID != ids[ref] {
			t.Fatalf("child %d = %s, want %s (%s)", i, children[i].ID, ids[ref], ref)
		}
	}
}

func TestClaimBumpsUpdatedAt(t *testing.T) {
	env := newTestEnv(t)
	id := env.leaf(t, env.Root, "leaf")
	env.advance(time.Second)
	n, err := env.Engine.Next(env.Ctx, "demo", "agent-1", true, time.Hour)
	if err != nil || n == nil {
		t.Fatalf("next: %v", err)
	}
	if n.UpdatedAt == n.CreatedAt {
		t.Fatalf("claim did not bump updated_at")
	}
	stored, err := env.Engine.Repo.GetNode(env.Ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if stored.UpdatedAt != n.UpdatedAt {
		t.Fatalf("bump not persisted: %s vs %s", stored.UpdatedAt, n.UpdatedAt)
	}
}

func TestPriorityMustBeIntegral(t *testing.T) {
	env := newTestEnv(t)
	id := env.leaf(t, env.Root, "leaf")
	_, err := env.Engine.Update(env.Ctx, []engine.NodeUpdate{{
		NodeID:     id,
		Properties: map[string]any{"priority": 2.5},
	}}, "tester")
	if err == nil {
		t.Fatalf("fractional priority accepted")
	}
	if _, err := env.Engine.Update(env.Ctx, []engine.NodeUpdate{{
		NodeID:     id,
		Properties: map[string]any{"priority": float64(3)},
	}}, "tester"); err != nil {
		t.Fatalf("whole-number float rejected: %v", err)
	}
	n, err := env.Engine.Repo.GetNode(env.Ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if n.Priority == nil || *n.Priority != 3 {
		t.Fatalf("priority not applied: %v", n.Priority)
	}
}

func TestNewlyActionable(t *testing.T) {
	env := newTestEnv(t)
	d1 := env.leaf(t, env.Root, "dep one")
	d2 := env.leaf(t, env.Root, "dep two")
	waiting := env.leaf(t, env.Root, "waiting", d1, d2)
	res := env.resolve(t, d1)
	if len(res.NewlyActionable) != 0 {
		t.Fatalf("dependent reported actionable too early")
	}
	res = env.resolve(t, d2)
	if len(res.NewlyActionable) != 1 || res.NewlyActionable[0].ID != waiting {
		t.Fatalf("expected waiting node in newly_actionable, got %v", res.NewlyActionable)
	}
}

func TestDemoScenario(t *testing.T) {
	env := newTestEnv(t)
	ids, err := env.Engine.Plan(env.Ctx, []engine.PlanNode{
		{Ref: "l1", ParentRef: env.Root, Summary: "L1"},
		{Ref: "l2", ParentRef: env.Root, Summary: "L2", DependsOn: []string{"l1"}},
	}, "tester")
	if err != nil {
		t.Fatal(err)
	}
	n, err := env.Engine.Next(env.Ctx, "demo", "agent", false, 0)
	if err != nil || n == nil || n.ID != ids["l1"] {
		t.Fatalf("expected L1 first, got %v", n)
	}
	res := env.resolve(t, ids["l1"])
	if len(res.NewlyActionable) != 1 || res.NewlyActionable[0].ID != ids["l2"] {
		t.Fatalf("L2 missing from newly_actionable")
	}
	n, err = env.Engine.Next(env.Ctx, "demo", "agent", false, 0)
	if err != nil || n == nil || n.ID != ids["l2"] {
		t.Fatalf("expected L2 after resolving L1, got %v", n)
	}
}

func TestDropReparentsChildren(t *testing.T) {
	env := newTestEnv(t)
	mid := env.leaf(t, env.Root, "mid")
	c1 := env.leaf(t, mid, "c1")
	c2 := env.leaf(t, mid, "c2")
	removed, err := env.Engine.Drop(env.Ctx, mid, "tester", false)
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != 1 {
		t.Fatalf("default drop removed %d nodes", len(removed))
	}
	for _, id := range []string{c1, c2} {
		n, err := env.Engine.Repo.GetNode(env.Ctx, id)
		if err != nil {
			t.Fatalf("child gone: %v", err)
		}
		if n.ParentID == nil || *n.ParentID != env.Root {
			t.Fatalf("child not reparented to grandparent")
		}
	}
}

func TestDropCascade(t *testing.T) {
	env := newTestEnv(t)
	mid := env.leaf(t, env.Root, "mid")
	c1 := env.leaf(t, mid, "c1")
	c2 := env.leaf(t, mid, "c2")
	grand := env.leaf(t, c1, "grandchild")
	removed, err := env.Engine.Drop(env.Ctx, mid, "tester", true)
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != 4 {
		t.Fatalf("cascade removed %d nodes, want 4", len(removed))
	}
	for _, id := range []string{mid, c1, c2, grand} {
		if _, err := env.Engine.Repo.GetNode(env.Ctx, id); !errors.Is(err, repo.ErrNotFound) {
			t.Fatalf("node %s survived cascade", id)
		}
	}
}

func TestMoveCycleRejected(t *testing.T) {
	env := newTestEnv(t)
	a := env.leaf(t, env.Root, "a")
	b := env.leaf(t, a, "b")
	c := env.leaf(t, b, "c")
	if _, err := env.Engine.Move(env.Ctx, a, c, "tester"); !errors.Is(err, engine.ErrCycleDetected) {
		t.Fatalf("expected cycle on move under own descendant")
	}
	n, err := env.Engine.Move(env.Ctx, c, a, "tester")
	if err != nil {
		t.Fatalf("valid move: %v", err)
	}
	if *n.ParentID != a {
		t.Fatalf("move not applied")
	}
}

func TestMergeConflictAndUnion(t *testing.T) {
	env := newTestEnv(t)
	a := env.leaf(t, env.Root, "a")
	b := env.leaf(t, env.Root, "b")
	bChild := env.leaf(t, b, "b child")
	dep := env.leaf(t, env.Root, "dep")
	if err := env.Engine.Connect(env.Ctx, b, dep, "depends_on", "tester", false); err != nil {
		t.Fatal(err)
	}
	env.resolve(t, b)
	// resolved disagreement surfaces as a conflict, nothing silently wins
	if _, err := env.Engine.Merge(env.Ctx, a, b, "tester"); !errors.Is(err, engine.ErrMergeConflict) {
		t.Fatalf("expected merge conflict, got %v", err)
	}
	env.resolve(t, a)
	merged, err := env.Engine.Merge(env.Ctx, a, b, "tester")
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if len(merged.DependsOn) != 1 || merged.DependsOn[0] != dep {
		t.Fatalf("dependency edge not repointed: %v", merged.DependsOn)
	}
	child, err := env.Engine.Repo.GetNode(env.Ctx, bChild)
	if err != nil {
		t.Fatal(err)
	}
	if *child.ParentID != a {
		t.Fatalf("child not reparented on merge")
	}
	if _, err := env.Engine.Repo.GetNode(env.Ctx, b); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("absorbed node still present")
	}
}

func TestUpdatePropertiesAndEvidence(t *testing.T) {
	env := newTestEnv(t)
	id := env.leaf(t, env.Root, "leaf")
	state := `{"phase":"review"}`
	if _, err := env.Engine.Update(env.Ctx, []engine.NodeUpdate{{
		NodeID:          id,
		State:           &state,
		Properties:      map[string]any{"priority": 3, "owner": "alice"},
		AddContextLinks: []string{"src/main.go", "src/main.go"},
	}}, "tester"); err != nil {
		t.Fatal(err)
	}
	// shallow merge keeps earlier keys
	if _, err := env.Engine.Update(env.Ctx, []engine.NodeUpdate{{
		NodeID:     id,
		Properties: map[string]any{"priority": 7},
	}}, "tester"); err != nil {
		t.Fatal(err)
	}
	n, err := env.Engine.Repo.GetNode(env.Ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if n.Priority == nil || *n.Priority != 7 {
		t.Fatalf("priority not mirrored: %v", n.Priority)
	}
	if n.PropertiesJSON == nil || n.StateJSON == nil {
		t.Fatalf("opaque fields lost")
	}
	if len(n.ContextLinks) != 1 {
		t.Fatalf("duplicate context link appended: %v", n.ContextLinks)
	}
}

func TestHistoryChronological(t *testing.T) {
	env := newTestEnv(t)
	id := env.leaf(t, env.Root, "leaf")
	env.advance(time.Second)
	env.resolve(t, id)
	entries, err := env.Engine.History(env.Ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) < 2 {
		t.Fatalf("expected create and update entries, got %d", len(entries))
	}
	if entries[0].Action != "create" {
		t.Fatalf("first entry should be create, got %s", entries[0].Action)
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].TS < entries[i-1].TS {
			t.Fatalf("history out of order")
		}
	}
	// the trail survives dropping the node
	if _, err := env.Engine.Drop(env.Ctx, id, "tester", false); err != nil {
		t.Fatal(err)
	}
	after, err := env.Engine.History(env.Ctx, id)
	if err != nil {
		t.Fatalf("history after drop: %v", err)
	}
	if len(after) <= len(entries) {
		t.Fatalf("drop entry missing from trail")
	}
}

func TestContextDepthTruncation(t *testing.T) {
	env := newTestEnv(t)
	l1 := env.leaf(t, env.Root, "level1")
	l2 := env.leaf(t, l1, "level2")
	l3 := env.leaf(t, l2, "level3")
	env.resolve(t, l3)
	c, err := env.Engine.Context(env.Ctx, env.Root, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(c.Children) != 1 {
		t.Fatalf("expected one child, got %d", len(c.Children))
	}
	top := c.Children[0]
	if !top.Truncated || top.Children != nil {
		t.Fatalf("expected truncation at depth 1")
	}
	// counts stay exact beyond the cutoff
	if top.Progress.Total != 2 || top.Progress.Resolved != 1 {
		t.Fatalf("subtree progress wrong: %+v", top.Progress)
	}
	if c.Progress.Total != 3 {
		t.Fatalf("root progress wrong: %+v", c.Progress)
	}
	deep, err := env.Engine.Context(env.Ctx, l3, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(deep.Ancestors) != 3 || deep.Ancestors[0].ID != env.Root {
		t.Fatalf("ancestors not root-first: %v", deep.Ancestors)
	}
}
