package semantic

import (
	"context"

	"github.com/cortexmem/engine/internal/store"
	"github.com/cortexmem/engine/internal/types"
)

// Cycle is a strongly-connected component reported as a cycle: either
// more than one unit, or a single self-loop of a non-recursion type
// (spec §4.3).
type Cycle struct {
	Units []types.ID
}

type tarjanState struct {
	index   map[types.ID]int
	low     map[types.ID]int
	onStack map[types.ID]bool
	stack   []types.ID
	next    int
	adj     map[types.ID][]types.ID
	selfRec map[types.ID]bool // true if the unit has a self-loop of a non-recursion type
	sccs    []Cycle
}

// FindCycles runs Tarjan's strongly-connected-components algorithm over
// the Live-unit subgraph (edges incident on Replaced units excluded)
// and reports every SCC with more than one unit, plus every single-node
// SCC that carries a self-loop edge whose type is not DepRecurses.
func (t *Tier) FindCycles(ctx context.Context) ([]Cycle, error) {
	liveFilter := func(r store.Record) bool { return str(r.Fields, "status") == string(types.StatusLive) }
	units, err := t.scanUnits(ctx, liveFilter)
	if err != nil {
		return nil, err
	}
	live := make(map[types.ID]bool, len(units))
	for _, u := range units {
		live[u.ID] = true
	}

	deps, err := t.allDeps(ctx)
	if err != nil {
		return nil, err
	}

	st := &tarjanState{
		index:   make(map[types.ID]int),
		low:     make(map[types.ID]int),
		onStack: make(map[types.ID]bool),
		adj:     make(map[types.ID][]types.ID),
		selfRec: make(map[types.ID]bool),
	}
	for _, d := range deps {
		if !live[d.SourceID] || !live[d.TargetID] {
			continue
		}
		if d.SourceID == d.TargetID {
			if d.Type != types.DepRecurses {
				st.selfRec[d.SourceID] = true
			}
			continue // self-loops do not otherwise affect SCC structure
		}
		st.adj[d.SourceID] = append(st.adj[d.SourceID], d.TargetID)
	}

	for _, u := range units {
		if _, seen := st.index[u.ID]; !seen {
			st.strongConnect(u.ID)
		}
	}
	return st.sccs, nil
}

func (st *tarjanState) strongConnect(v types.ID) {
	st.index[v] = st.next
	st.low[v] = st.next
	st.next++
	st.stack = append(st.stack, v)
	st.onStack[v] = true

	for _, w := range st.adj[v] {
		if _, seen := st.index[w]; !seen {
			st.strongConnect(w)
			if st.low[w] < st.low[v] {
				st.low[v] = st.low[w]
			}
		} else if st.onStack[w] {
			if st.index[w] < st.low[v] {
				st.low[v] = st.index[w]
			}
		}
	}

	if st.low[v] != st.index[v] {
		return
	}
	var component []types.ID
	for {
		n := len(st.stack) - 1
		w := st.stack[n]
		st.stack = st.stack[:n]
		st.onStack[w] = false
		component = append(component, w)
		if w == v {
			break
		}
	}
	if len(component) > 1 || st.selfRec[component[0]] {
		st.sccs = append(st.sccs, Cycle{Units: component})
	}
}
