package core

import (
	"math/rand/v2"
	"slices"

	"github.com/encodeous/weft/state"
)

// MergeRouteState resolves a conflict between the local and an incoming state of the same route.
// The incoming state wins only with a strictly greater version, ties keep the local state.
func MergeRouteState(local, incoming state.RouteState) (state.RouteState, bool) {
	if incoming.Version > local.Version {
		return incoming, true
	}
	return local, false
}

// graph is the set of usable directed edges, adjacency lists are kept in address order
type graph map[state.Address][]state.Address

func buildGraph(routes []state.RouteState) graph {
	g := make(graph)
	for _, rs := range routes {
		if !rs.Status.IsActive() {
			continue
		}
		g[rs.Route.From] = append(g[rs.Route.From], rs.Route.To)
	}
	for _, adj := range g {
		slices.SortFunc(adj, state.CompareAddress)
	}
	return g
}

// randomPath picks a path uniformly among the simple paths from src to dst that the search visits.
// The search stops after maxHops hops or maxSearch expanded nodes. Intermediate hops must satisfy allowHop.
// The returned hops exclude src and end with dst.
func randomPath(g graph, src, dst state.Address, allowHop func(state.Address) bool, rng *rand.Rand, maxHops, maxSearch int) ([]state.Address, int) {
	if src == dst {
		return nil, 0
	}
	var (
		chosen   []state.Address
		found    int
		expanded int
		path     []state.Address
	)
	visited := map[state.Address]bool{src: true}

	var walk func(cur state.Address)
	walk = func(cur state.Address) {
		for _, next := range g[cur] {
			if expanded >= maxSearch {
				return
			}
			if visited[next] {
				continue
			}
			expanded++
			path = append(path, next)
			if next == dst {
				found++
				// reservoir sampling with a reservoir of one
				if rng.IntN(found) == 0 {
					chosen = slices.Clone(path)
				}
			} else if len(path) < maxHops && allowHop(next) {
				visited[next] = true
				walk(next)
				visited[next] = false
			}
			path = path[:len(path)-1]
		}
	}
	walk(src)
	return chosen, expanded
}
