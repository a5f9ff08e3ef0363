// Package semantic implements the semantic tier: the code structure
// index and its dependency graph (spec §4.3). Grounded on bd's
// internal/storage adapter pattern, generalized from bd's single
// dependency-edge table to the engine's typed, directed, multigraph-
// capable dependency index, with cycle detection via Tarjan's SCC
// algorithm in the style of a graph-analysis routine over an adjacency
// list built once per call.
package semantic

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/cortexmem/engine/internal/clockadapter"
	"github.com/cortexmem/engine/internal/engineconfig"
	"github.com/cortexmem/engine/internal/store"
	"github.com/cortexmem/engine/internal/types"
)

// Tier is the semantic memory tier: code units plus their dependency
// graph, backed by a store.Store.
type Tier struct {
	store store.Store
	clock clockadapter.Clock
	cfg   engineconfig.SemanticConfig
}

// New builds a semantic Tier over the given adapter.
func New(s store.Store, clock clockadapter.Clock, cfg engineconfig.SemanticConfig) *Tier {
	return &Tier{store: s, clock: clock, cfg: cfg}
}

func unitToRecord(u *types.CodeUnit) store.Record {
	return store.Record{
		ID:        u.ID.String(),
		Embedding: []float32(u.Embedding),
		Fields: map[string]any{
			"workspace_ref":     u.WorkspaceRef,
			"unit_type":         string(u.UnitType),
			"name":              u.Name,
			"qualified_name":    u.QualifiedName,
			"file_path":         u.FilePath,
			"language":          u.Language,
			"signature":         u.Signature,
			"body_hash":         u.BodyHash,
			"cyclomatic":        int64(u.Complexity.Cyclomatic),
			"lines_of_code":     int64(u.Complexity.LinesOfCode),
			"parameter_count":   int64(u.Complexity.ParameterCount),
			"nesting_depth":     int64(u.Complexity.NestingDepth),
			"has_tests":         u.Quality.HasTests,
			"has_doc_comment":   u.Quality.HasDocComment,
			"test_coverage":     u.Quality.TestCoverage,
			"doc_completeness":  u.Quality.DocCompleteness,
			"status":            string(u.Status),
			"created_at":        u.CreatedAt.Format(time.RFC3339Nano),
			"updated_at":        u.UpdatedAt.Format(time.RFC3339Nano),
		},
	}
}

func unitFromRecord(rec store.Record) (*types.CodeUnit, error) {
	id, err := types.ParseID(rec.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: unit id %q: %v", types.ErrCorruption, rec.ID, err)
	}
	f := rec.Fields
	u := &types.CodeUnit{
		Meta: types.Meta{
			ID:        id,
			CreatedAt: parseTime(f, "created_at"),
			UpdatedAt: parseTime(f, "updated_at"),
		},
		WorkspaceRef:  str(f, "workspace_ref"),
		UnitType:      types.UnitType(str(f, "unit_type")),
		Name:          str(f, "name"),
		QualifiedName: str(f, "qualified_name"),
		FilePath:      str(f, "file_path"),
		Language:      str(f, "language"),
		Signature:     str(f, "signature"),
		BodyHash:      str(f, "body_hash"),
		Complexity: types.ComplexityMetrics{
			Cyclomatic:     int(int64num(f["cyclomatic"])),
			LinesOfCode:    int(int64num(f["lines_of_code"])),
			ParameterCount: int(int64num(f["parameter_count"])),
			NestingDepth:   int(int64num(f["nesting_depth"])),
		},
		Quality: types.QualityMetrics{
			HasTests:        boolField(f["has_tests"]),
			HasDocComment:   boolField(f["has_doc_comment"]),
			TestCoverage:    floatnum(f["test_coverage"]),
			DocCompleteness: floatnum(f["doc_completeness"]),
		},
		Status:    types.UnitStatus(str(f, "status")),
		Embedding: types.Embedding(rec.Embedding),
	}
	return u, nil
}

func depToRecord(d *types.Dependency) store.Record {
	return store.Record{
		ID: d.ID.String(),
		Fields: map[string]any{
			"source_id":  d.SourceID.String(),
			"target_id":  d.TargetID.String(),
			"type":       string(d.Type),
			"transitive": d.Transitive,
			"dev":        d.Dev,
			"created_at": d.CreatedAt.Format(time.RFC3339Nano),
			"updated_at": d.UpdatedAt.Format(time.RFC3339Nano),
		},
	}
}

func depFromRecord(rec store.Record) (*types.Dependency, error) {
	id, err := types.ParseID(rec.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: dependency id %q: %v", types.ErrCorruption, rec.ID, err)
	}
	f := rec.Fields
	src, _ := types.ParseID(str(f, "source_id"))
	tgt, _ := types.ParseID(str(f, "target_id"))
	d := &types.Dependency{
		Meta: types.Meta{
			ID:        id,
			CreatedAt: parseTime(f, "created_at"),
			UpdatedAt: parseTime(f, "updated_at"),
		},
		SourceID:   src,
		TargetID:   tgt,
		Type:       types.DependencyType(str(f, "type")),
		Transitive: boolField(f["transitive"]),
		Dev:        boolField(f["dev"]),
	}
	return d, nil
}

func str(f map[string]any, key string) string {
	s, _ := f[key].(string)
	return s
}

func boolField(v any) bool {
	b, _ := v.(bool)
	return b
}

func floatnum(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	default:
		return 0
	}
}

func int64num(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	default:
		return 0
	}
}

func parseTime(f map[string]any, key string) time.Time {
	s, _ := f[key].(string)
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// StoreUnit persists a CodeUnit. If another Live unit shares the same
// qualified_name in the same workspace, it (and any other prior Live
// unit with that name) transitions to Replaced per spec §4.3's replace
// semantics; the incoming unit becomes Live.
func (t *Tier) StoreUnit(ctx context.Context, u *types.CodeUnit) error {
	now := t.clock.Now()
	u.EnsureID()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	if u.Status == "" {
		u.Status = types.StatusLive
	}
	if err := u.Validate(); err != nil {
		return err
	}

	if u.Status == types.StatusLive {
		if err := t.markReplaced(ctx, true, u.WorkspaceRef, u.QualifiedName, u.ID); err != nil {
			return err
		}
	}
	return t.store.Put(ctx, store.TableCodeUnit, u.ID.String(), unitToRecord(u))
}

// MarkReplaced transitions every Live unit with qualifiedName, other
// than excludeID, to Replaced, in every workspace.
func (t *Tier) MarkReplaced(ctx context.Context, qualifiedName string, excludeID types.ID) error {
	return t.markReplaced(ctx, false, "", qualifiedName, excludeID)
}

// markReplaced is MarkReplaced, limited to workspaceRef when scoped is set.
func (t *Tier) markReplaced(ctx context.Context, scoped bool, workspaceRef, qualifiedName string, excludeID types.ID) error {
	filter := func(r store.Record) bool {
		return str(r.Fields, "qualified_name") == qualifiedName &&
			(!scoped || str(r.Fields, "workspace_ref") == workspaceRef) &&
			str(r.Fields, "status") == string(types.StatusLive) &&
			r.ID != excludeID.String()
	}
	recs, err := t.store.Scan(ctx, store.TableCodeUnit, filter, 0)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		u, err := unitFromRecord(rec)
		if err != nil {
			return err
		}
		u.Status = types.StatusReplaced
		u.UpdatedAt = t.clock.Now()
		if err := t.store.Put(ctx, store.TableCodeUnit, u.ID.String(), unitToRecord(u)); err != nil {
			return err
		}
	}
	return nil
}

// GetUnit loads a CodeUnit by id.
func (t *Tier) GetUnit(ctx context.Context, id types.ID) (*types.CodeUnit, error) {
	rec, err := t.store.Get(ctx, store.TableCodeUnit, id.String())
	if err != nil {
		return nil, err
	}
	return unitFromRecord(rec)
}

// ByQualifiedName returns every unit (any status) with the given
// qualified name, letting callers see the full Live/Replaced history.
func (t *Tier) ByQualifiedName(ctx context.Context, name string) ([]*types.CodeUnit, error) {
	filter := func(r store.Record) bool { return str(r.Fields, "qualified_name") == name }
	return t.scanUnits(ctx, filter)
}

// UnitsInFile returns every Live unit declared in path.
func (t *Tier) UnitsInFile(ctx context.Context, path string) ([]*types.CodeUnit, error) {
	filter := func(r store.Record) bool {
		return str(r.Fields, "file_path") == path && str(r.Fields, "status") == string(types.StatusLive)
	}
	return t.scanUnits(ctx, filter)
}

// Search returns the k nearest Live units to vec by cosine similarity.
func (t *Tier) Search(ctx context.Context, vec []float32, k int) ([]*types.CodeUnit, error) {
	live := func(r store.Record) bool { return str(r.Fields, "status") == string(types.StatusLive) }
	hits, err := t.store.VectorSearch(ctx, store.TableCodeUnit, vec, k, live)
	if err != nil {
		return nil, err
	}
	out := make([]*types.CodeUnit, 0, len(hits))
	for _, h := range hits {
		id, err := types.ParseID(h.ID)
		if err != nil {
			continue
		}
		u, err := t.GetUnit(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, u)
	}
	return out, nil
}

func (t *Tier) scanUnits(ctx context.Context, filter store.Filter) ([]*types.CodeUnit, error) {
	recs, err := t.store.Scan(ctx, store.TableCodeUnit, filter, 0)
	if err != nil {
		return nil, err
	}
	out := make([]*types.CodeUnit, 0, len(recs))
	for _, rec := range recs {
		u, err := unitFromRecord(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}

// StoreDep records a directed edge. Parallel edges of different types
// between the same endpoints are permitted by design (spec §4.3).
func (t *Tier) StoreDep(ctx context.Context, src, tgt types.ID, depType types.DependencyType) (*types.Dependency, error) {
	d := &types.Dependency{SourceID: src, TargetID: tgt, Type: depType}
	d.EnsureID()
	now := t.clock.Now()
	d.CreatedAt, d.UpdatedAt = now, now
	if err := d.Validate(); err != nil {
		return nil, err
	}
	if err := t.store.Put(ctx, store.TableDependsOn, d.ID.String(), depToRecord(d)); err != nil {
		return nil, err
	}
	return d, nil
}

func (t *Tier) allDeps(ctx context.Context) ([]*types.Dependency, error) {
	recs, err := t.store.Scan(ctx, store.TableDependsOn, nil, 0)
	if err != nil {
		return nil, err
	}
	out := make([]*types.Dependency, 0, len(recs))
	for _, rec := range recs {
		d, err := depFromRecord(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// DepsOf returns the edges where id is the source.
func (t *Tier) DepsOf(ctx context.Context, id types.ID) ([]*types.Dependency, error) {
	all, err := t.allDeps(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*types.Dependency, 0)
	for _, d := range all {
		if d.SourceID == id {
			out = append(out, d)
		}
	}
	return out, nil
}

// DependentsOf returns the edges where id is the target.
func (t *Tier) DependentsOf(ctx context.Context, id types.ID) ([]*types.Dependency, error) {
	all, err := t.allDeps(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*types.Dependency, 0)
	for _, d := range all {
		if d.TargetID == id {
			out = append(out, d)
		}
	}
	return out, nil
}

// GraphResult is the induced subgraph returned by Graph.
type GraphResult struct {
	Nodes []types.ID
	Edges []*types.Dependency
}

// Graph returns the node set reachable from ids (both upstream and
// downstream) within maxDepth hops, plus the induced edge set. Edges
// incident on Replaced units are excluded unless includeReplaced is
// true, per spec §4.3's default-traversal rule.
func (t *Tier) Graph(ctx context.Context, ids []types.ID, maxDepth int, includeReplaced bool) (GraphResult, error) {
	if maxDepth > t.cfg.MaxTraversalDepth {
		return GraphResult{}, fmt.Errorf("%w: max_depth %d exceeds configured limit %d", types.ErrInvalid, maxDepth, t.cfg.MaxTraversalDepth)
	}
	all, err := t.allDeps(ctx)
	if err != nil {
		return GraphResult{}, err
	}
	live := make(map[types.ID]bool)
	if !includeReplaced {
		units, err := t.scanUnits(ctx, nil)
		if err != nil {
			return GraphResult{}, err
		}
		for _, u := range units {
			live[u.ID] = u.Status == types.StatusLive
		}
	}
	edgeAllowed := func(d *types.Dependency) bool {
		if includeReplaced {
			return true
		}
		// Units not in the index at all (e.g. external refs) are left in;
		// only units we know to be Replaced are excluded.
		if ok, known := live[d.SourceID]; known && !ok {
			return false
		}
		if ok, known := live[d.TargetID]; known && !ok {
			return false
		}
		return true
	}

	visited := make(map[types.ID]bool)
	frontier := make([]types.ID, 0, len(ids))
	for _, id := range ids {
		if !visited[id] {
			visited[id] = true
			frontier = append(frontier, id)
		}
	}
	edgeSet := make(map[types.ID]*types.Dependency)

	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		next := make([]types.ID, 0)
		for _, d := range all {
			if !edgeAllowed(d) {
				continue
			}
			for _, id := range frontier {
				if d.SourceID == id {
					edgeSet[d.ID] = d
					if !visited[d.TargetID] {
						visited[d.TargetID] = true
						next = append(next, d.TargetID)
					}
				}
				if d.TargetID == id {
					edgeSet[d.ID] = d
					if !visited[d.SourceID] {
						visited[d.SourceID] = true
						next = append(next, d.SourceID)
					}
				}
			}
		}
		frontier = next
	}

	nodes := make([]types.ID, 0, len(visited))
	for id := range visited {
		nodes = append(nodes, id)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].String() < nodes[j].String() })

	edges := make([]*types.Dependency, 0, len(edgeSet))
	for _, d := range edgeSet {
		edges = append(edges, d)
	}
	sort.Slice(edges, func(i, j int) bool { return edges[i].ID.String() < edges[j].ID.String() })

	return GraphResult{Nodes: nodes, Edges: edges}, nil
}

// References returns the Live units that depend on any unit with
// qualifiedName (the call/reference sites).
func (t *Tier) References(ctx context.Context, qualifiedName string) ([]*types.CodeUnit, error) {
	targets, err := t.ByQualifiedName(ctx, qualifiedName)
	if err != nil {
		return nil, err
	}
	seen := make(map[types.ID]bool)
	out := make([]*types.CodeUnit, 0)
	for _, target := range targets {
		deps, err := t.DependentsOf(ctx, target.ID)
		if err != nil {
			return nil, err
		}
		for _, d := range deps {
			if seen[d.SourceID] {
				continue
			}
			seen[d.SourceID] = true
			u, err := t.GetUnit(ctx, d.SourceID)
			if err != nil || u.Status != types.StatusLive {
				continue
			}
			out = append(out, u)
		}
	}
	return out, nil
}

// Definitions returns every unit ever stored under qualifiedName,
// Live or Replaced, i.e. its full definition history.
func (t *Tier) Definitions(ctx context.Context, qualifiedName string) ([]*types.CodeUnit, error) {
	return t.ByQualifiedName(ctx, qualifiedName)
}

// FindComplex returns Live units whose cyclomatic complexity exceeds
// threshold.
func (t *Tier) FindComplex(ctx context.Context, threshold int) ([]*types.CodeUnit, error) {
	filter := func(r store.Record) bool {
		return str(r.Fields, "status") == string(types.StatusLive) && int64num(r.Fields["cyclomatic"]) > int64(threshold)
	}
	return t.scanUnits(ctx, filter)
}

// FindUntested returns Live units lacking test coverage.
func (t *Tier) FindUntested(ctx context.Context) ([]*types.CodeUnit, error) {
	filter := func(r store.Record) bool {
		return str(r.Fields, "status") == string(types.StatusLive) && !boolField(r.Fields["has_tests"])
	}
	return t.scanUnits(ctx, filter)
}

// FindUndocumented returns Live units lacking a doc comment.
func (t *Tier) FindUndocumented(ctx context.Context) ([]*types.CodeUnit, error) {
	filter := func(r store.Record) bool {
		return str(r.Fields, "status") == string(types.StatusLive) && !boolField(r.Fields["has_doc_comment"])
	}
	return t.scanUnits(ctx, filter)
}

// FileComplexity aggregates the cyclomatic complexity and line count of
// every Live unit in path.
func (t *Tier) FileComplexity(ctx context.Context, path string) (types.ComplexityMetrics, error) {
	units, err := t.UnitsInFile(ctx, path)
	if err != nil {
		return types.ComplexityMetrics{}, err
	}
	var agg types.ComplexityMetrics
	for _, u := range units {
		agg.Cyclomatic += u.Complexity.Cyclomatic
		agg.LinesOfCode += u.Complexity.LinesOfCode
		if u.Complexity.NestingDepth > agg.NestingDepth {
			agg.NestingDepth = u.Complexity.NestingDepth
		}
	}
	return agg, nil
}
