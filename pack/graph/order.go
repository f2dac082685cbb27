package graph

import "sort"

// Order returns mods arranged so that every module follows the modules it depends on, considering only edges between
// members of mods.  Dependencies are placed in the order they were declared and otherwise unrelated modules keep
// discovery order.  Cycles do not produce an error; the order is simply best effort, with
// the member of the cycle reached first placed after the rest of the cycle.
func Order(mods []*Module) []*Module {
	members := make(map[*Module]bool, len(mods))
	for _, m := range mods {
		members[m] = true
	}
	sorted := append([]*Module(nil), mods...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Order < sorted[j].Order })

	order := make([]*Module, 0, len(mods))
	placed := make(map[*Module]bool, len(mods))
	var place func(*Module)
	place = func(m *Module) {
		if placed[m] {
			return
		}
		placed[m] = true
		deps := make([]*Module, 0, len(m.Deps))
		for _, ref := range m.Deps {
			if ref.Target != nil && members[ref.Target] {
				deps = append(deps, ref.Target)
			}
		}
		for _, dep := range deps {
			place(dep)
		}
		order = append(order, m)
	}
	for _, m := range sorted {
		place(m)
	}
	return order
}
