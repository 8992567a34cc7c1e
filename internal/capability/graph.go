// Package capability models the static DAG of declared capabilities and the
// connectors that provide them. Planning logic uses it to expand a plan's
// required capabilities into their transitive prerequisites and to pick a
// minimal set of connectors that cover them.
package capability

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrCapabilityCycle is returned when the prerequisite relation contains a
// cycle reachable from the requested capabilities. A cyclic graph is a
// contract violation by whoever registered the capabilities; resolution must
// fail loudly rather than silently truncate the closure.
var ErrCapabilityCycle = errors.New("capability prerequisite cycle")

// Risk levels for a capability.
const (
	RiskLow  = "low"
	RiskMed  = "med"
	RiskHigh = "high"
)

// Cost models for a capability.
const (
	CostNone     = "none"
	CostVariable = "variable"
	CostFixed    = "fixed"
)

// Capability is a named permission/ability an agent plan can require.
type Capability struct {
	ID                string   `json:"id" yaml:"id"`
	Description       string   `json:"description,omitempty" yaml:"description,omitempty"`
	RiskLevel         string   `json:"risk_level" yaml:"risk_level"`
	CostModel         string   `json:"cost_model" yaml:"cost_model"`
	RequiredApprovals []string `json:"required_approvals,omitempty" yaml:"required_approvals,omitempty"`
	Prerequisites     []string `json:"prerequisites,omitempty" yaml:"prerequisites,omitempty"`
}

// Node is a capability annotated with the connectors that provide it.
type Node struct {
	Capability Capability
	ProvidedBy []string
}

// Graph is the static capability DAG, read-only after construction.
type Graph struct {
	nodes map[string]Node
}

// NewGraph builds a graph from a capability registry and a
// connector → capability-ids map.
func NewGraph(caps []Capability, providers map[string][]string) *Graph {
	nodes := make(map[string]Node, len(caps))
	for _, c := range caps {
		nodes[c.ID] = Node{Capability: c}
	}
	for connector, ids := range providers {
		for _, id := range ids {
			node, ok := nodes[id]
			if !ok {
				continue // connector claims an undeclared capability; Missing() surfaces it
			}
			node.ProvidedBy = append(node.ProvidedBy, connector)
			nodes[id] = node
		}
	}
	// Keep provider order deterministic regardless of map iteration.
	for id, node := range nodes {
		sort.Strings(node.ProvidedBy)
		nodes[id] = node
	}
	return &Graph{nodes: nodes}
}

// Get returns the node for a capability id.
func (g *Graph) Get(id string) (Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Resolve computes the transitive closure of required over the prerequisite
// edges. The result is duplicate-free and preserves first-visitation order.
// A cycle reachable from required fails with ErrCapabilityCycle naming the
// cycle path; unknown ids are skipped here (use Missing to detect them).
func (g *Graph) Resolve(required []string) ([]string, error) {
	var order []string
	visited := make(map[string]bool)
	onStack := make(map[string]bool)
	var stack []string

	var visit func(id string) error
	visit = func(id string) error {
		if onStack[id] {
			return fmt.Errorf("%w: %s -> %s", ErrCapabilityCycle, strings.Join(stack, " -> "), id)
		}
		if visited[id] {
			return nil
		}
		node, ok := g.nodes[id]
		if !ok {
			return nil
		}

		// Visited is marked only after the subtree completes: marking before
		// recursing would swallow cycles instead of reporting them.
		onStack[id] = true
		stack = append(stack, id)
		order = append(order, id)
		for _, prereq := range node.Capability.Prerequisites {
			if err := visit(prereq); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		onStack[id] = false
		visited[id] = true
		return nil
	}

	for _, id := range required {
		if err := visit(id); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// ConnectorCover is one connector selected by SelectConnectors together with
// the requested capabilities it covers.
type ConnectorCover struct {
	Connector string   `json:"connector"`
	Covers    []string `json:"covers"`
}

// Selection is the result of greedy connector set-cover. A partial cover is
// possible and is surfaced through Uncovered, never hidden.
type Selection struct {
	Connectors []ConnectorCover `json:"connectors"`
	Uncovered  []string         `json:"uncovered,omitempty"`
}

// SelectConnectors greedily picks connectors: at each round the connector
// covering the largest number of still-uncovered requested capabilities wins
// (ties broken by connector name for determinism). Stops when no connector
// covers any remaining capability.
func (g *Graph) SelectConnectors(capabilities []string) Selection {
	uncovered := make(map[string]bool)
	var uncoveredOrder []string
	for _, id := range capabilities {
		if !uncovered[id] {
			uncovered[id] = true
			uncoveredOrder = append(uncoveredOrder, id)
		}
	}

	coverage := make(map[string][]string) // connector -> capability ids it provides, among requested
	for _, id := range uncoveredOrder {
		node, ok := g.nodes[id]
		if !ok {
			continue
		}
		for _, connector := range node.ProvidedBy {
			coverage[connector] = append(coverage[connector], id)
		}
	}

	var sel Selection
	for len(uncovered) > 0 {
		best := ""
		bestCount := 0
		for connector, ids := range coverage {
			count := 0
			for _, id := range ids {
				if uncovered[id] {
					count++
				}
			}
			if count > bestCount || (count == bestCount && count > 0 && connector < best) {
				best = connector
				bestCount = count
			}
		}
		if bestCount == 0 {
			break
		}

		var covers []string
		for _, id := range uncoveredOrder {
			if uncovered[id] && providedByConnector(coverage[best], id) {
				covers = append(covers, id)
				delete(uncovered, id)
			}
		}
		sel.Connectors = append(sel.Connectors, ConnectorCover{Connector: best, Covers: covers})
	}

	for _, id := range uncoveredOrder {
		if uncovered[id] {
			sel.Uncovered = append(sel.Uncovered, id)
		}
	}
	return sel
}

func providedByConnector(ids []string, id string) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}

// Missing returns the ids not present in the graph at all, in input order.
func (g *Graph) Missing(ids []string) []string {
	var missing []string
	for _, id := range ids {
		if _, ok := g.nodes[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing
}
