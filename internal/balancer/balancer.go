// Package balancer ranks nodes by load.
package balancer

import (
	"cmp"
	"slices"

	"github.com/luciancaetano/kephaslink"
)

// Ready returns the nodes whose session is open, in input order.
func Ready(nodes []kephaslink.Node) []kephaslink.Node {
	ready := make([]kephaslink.Node, 0, len(nodes))
	for _, n := range nodes {
		if n.State() == kephaslink.NodeOpen {
			ready = append(ready, n)
		}
	}
	return ready
}

// Sort returns a copy of nodes ordered by ascending load for key. Ties keep
// their input order. An unknown key ranks by player count.
func Sort(nodes []kephaslink.Node, key kephaslink.SortKey) ([]kephaslink.Node, error) {
	if len(nodes) == 0 {
		return nil, kephaslink.ErrNoAvailableNode
	}

	metric := metricFor(key)
	sorted := slices.Clone(nodes)
	slices.SortStableFunc(sorted, func(a, b kephaslink.Node) int {
		return cmp.Compare(metric(a), metric(b))
	})
	return sorted, nil
}

// Best returns the least loaded ready node.
func Best(nodes []kephaslink.Node, key kephaslink.SortKey) (kephaslink.Node, error) {
	sorted, err := Sort(Ready(nodes), key)
	if err != nil {
		return nil, err
	}
	return sorted[0], nil
}

func metricFor(key kephaslink.SortKey) func(kephaslink.Node) float64 {
	switch key {
	case kephaslink.SortPlayingPlayers:
		return func(n kephaslink.Node) float64 { return float64(n.Stats().PlayingPlayers) }
	case kephaslink.SortMemory:
		return func(n kephaslink.Node) float64 { return float64(n.Stats().Memory.Used) }
	case kephaslink.SortCPULavalink:
		return func(n kephaslink.Node) float64 { return n.Stats().CPU.LavalinkLoad }
	case kephaslink.SortCPUSystem:
		return func(n kephaslink.Node) float64 { return n.Stats().CPU.SystemLoad }
	case kephaslink.SortCalls:
		return func(n kephaslink.Node) float64 { return float64(n.Calls()) }
	default:
		return func(n kephaslink.Node) float64 { return float64(n.Stats().Players) }
	}
}
