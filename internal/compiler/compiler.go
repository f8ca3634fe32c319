// Package compiler translates a body (node_id -> FunctionCall) into a
// graph of instantiated adapters, grounded on
// original_source/src/dfm/service/execute/compiler/_pipeline_parser.py.
package compiler

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/nvidia-earth2/dfm/internal/adapter"
	"github.com/nvidia-earth2/dfm/internal/dfmapi"
	"github.com/nvidia-earth2/dfm/internal/dfmerr"
	"github.com/nvidia-earth2/dfm/internal/discovery"
	"github.com/nvidia-earth2/dfm/internal/request"
	"github.com/nvidia-earth2/dfm/internal/site"
)

// Compile runs the two-pass pipeline compiler: pass 1 pre-instantiates
// every node's adapter and seeds the leaves set with all of them; pass 2
// resolves each node's named inputs through the symbol table, removing
// referenced nodes from leaves, then finishes construction. Returns the
// leaf adapters execution is driven from, keyed by node_id so responses
// can be tagged with the producing node.
func Compile(ctx context.Context, rc *request.Context, s *site.Site, body dfmapi.Body) (map[uuid.UUID]adapter.Adapter, error) {
	symtable := make(map[uuid.UUID]*site.Uninitialized, len(body))
	leaves := make(map[uuid.UUID]bool, len(body))

	for id, fc := range body {
		u, err := s.PreInstantiateAdapter(fc)
		if err != nil {
			return nil, fmt.Errorf("compiler: pre-instantiate node %s: %w", id, err)
		}
		symtable[id] = u
		leaves[id] = true
	}

	finished := make(map[uuid.UUID]adapter.Adapter, len(body))
	visiting := make(map[uuid.UUID]bool, len(body))

	var resolve func(id uuid.UUID) (adapter.Adapter, error)
	resolve = func(id uuid.UUID) (adapter.Adapter, error) {
		if a, ok := finished[id]; ok {
			return a, nil
		}
		if visiting[id] {
			return nil, dfmerr.NewDataError("cyclic input reference at node %s", id)
		}
		u, ok := symtable[id]
		if !ok {
			return nil, dfmerr.NewDataError("reference to unknown node %s", id)
		}
		visiting[id] = true
		defer delete(visiting, id)

		inputs := map[string]any{}
		for _, name := range u.InputNames() {
			switch u.InputKind(name) {
			case dfmapi.InputKindSingle:
				refID := u.InputRef(name)
				delete(leaves, refID)
				in, err := resolve(refID)
				if err != nil {
					return nil, fmt.Errorf("compiler: node %s input %q: %w", id, name, err)
				}
				inputs[name] = in
			case dfmapi.InputKindList:
				var list []adapter.Adapter
				for _, refID := range u.InputRefList(name) {
					delete(leaves, refID)
					in, err := resolve(refID)
					if err != nil {
						return nil, fmt.Errorf("compiler: node %s input %q: %w", id, name, err)
					}
					list = append(list, in)
				}
				inputs[name] = list
			}
		}

		a, err := u.FinishInit(ctx, rc, inputs)
		if err != nil {
			return nil, fmt.Errorf("compiler: finish init node %s: %w", id, err)
		}
		finished[id] = a
		return a, nil
	}

	for id := range symtable {
		if _, err := resolve(id); err != nil {
			return nil, err
		}
	}

	if len(leaves) == 0 {
		return nil, dfmerr.NewDataError("Pipeline does not have any leaf operations")
	}

	out := make(map[uuid.UUID]adapter.Adapter, len(leaves))
	for id := range leaves {
		out[id] = finished[id]
	}
	return out, nil
}

// Candidate is one adapter discovery resolved for a node: the
// instantiated adapter (unwired, inputs nil) and the advice tree its
// field advisors produced, if it declared any.
type Candidate struct {
	Adapter adapter.Adapter
	Advice  discovery.AdviceNode
}

// CompileDiscovery is the discovery variant: identical pass 1, but every
// node's inputs are left unwired (nil), and a node whose provider is the
// discovery sentinel expands into one candidate adapter per provider
// whose interface exposes the requested api_class. Each candidate's
// advice tree is built from whatever field advisors it declares.
func CompileDiscovery(ctx context.Context, rc *request.Context, s *site.Site, body dfmapi.Body) (map[uuid.UUID][]Candidate, error) {
	out := make(map[uuid.UUID][]Candidate, len(body))

	for id, fc := range body {
		var candidates []*site.Uninitialized
		if fc.Header().Provider == dfmapi.ProviderDiscoverySentinel {
			us, err := s.PreInstantiateAdaptersWithoutProvider(fc)
			if err != nil {
				return nil, fmt.Errorf("compiler: discovery node %s: %w", id, err)
			}
			candidates = us
		} else {
			u, err := s.PreInstantiateAdapter(fc)
			if err != nil {
				return nil, fmt.Errorf("compiler: discovery node %s: %w", id, err)
			}
			candidates = []*site.Uninitialized{u}
		}

		results := make([]Candidate, 0, len(candidates))
		for _, u := range candidates {
			inputs := map[string]any{}
			for _, name := range u.InputNames() {
				if u.InputKind(name) == dfmapi.InputKindList {
					inputs[name] = []adapter.Adapter(nil)
				} else {
					inputs[name] = nil
				}
			}
			a, err := u.FinishInit(ctx, rc, inputs)
			if err != nil {
				return nil, fmt.Errorf("compiler: discovery finish init node %s: %w", id, err)
			}

			var tree discovery.AdviceNode
			if adv, ok := a.(discovery.Adviseable); ok {
				values := map[string]any{}
				if vp, ok := a.(discovery.ValueProvider); ok {
					values = vp.AdvisedValues()
				}
				tree, err = discovery.Build(ctx, adv, values)
				if err != nil {
					return nil, fmt.Errorf("compiler: discovery advice for node %s: %w", id, err)
				}
			}
			results = append(results, Candidate{Adapter: a, Advice: tree})
		}
		out[id] = results
	}
	return out, nil
}
