/*
 * Copyright 2021 ByteDance Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package optimizer

import "github.com/da-roth/forge/ir"

// Mapping is the original->optimized node-id mapping of §9's "Open
// questions" resolution: tracked only for Input nodes (by ordinal
// position among the original graph's Inputs) and Output nodes (by
// position in the original graph's Outputs slice). Intermediate nodes
// are not tracked through optimization; this is normative, not a
// simplification.
type Mapping struct {
	// Inputs[i] is the optimized id of the i-th Input node encountered
	// in the original graph (in node-id order), or ir.None if that
	// input did not survive optimization.
	Inputs []ir.NodeID
	// Outputs[i] is the optimized id of graph.Outputs[i], or ir.None.
	Outputs []ir.NodeID
}

// Pipeline runs the fixed optimization pipeline of §4.2 over a Graph.
// A Pipeline holds no state between calls; it is safe to reuse or
// discard after one Optimize call.
type Pipeline struct{}

// NewPipeline returns a ready-to-use Pipeline.
func NewPipeline() *Pipeline {
	return &Pipeline{}
}

// Optimize runs cfg's enabled passes over g and returns the optimized
// graph, the Input/Output mapping, and per-pass rewrite counts. g is
// never mutated (§3 "the original graph is not mutated").
func (p *Pipeline) Optimize(g *ir.Graph, cfg Config) (*ir.Graph, *Mapping, Stats, error) {
	if cfg.ValidateFirst {
		if err := g.Validate(); err != nil {
			return nil, nil, Stats{}, err
		}
	}

	stats := Stats{}
	current := g
	composed := identityMap(len(g.Nodes))

	runPass := func(run pass) int {
		newGraph, oldToNew, changes := run(current)
		composed = composeMaps(composed, oldToNew)
		current = newGraph
		return changes
	}

	if cfg.Stability {
		stats.StabilityRewrites += runPass(stabilityClean)
	}

	for i := 0; i < cfg.maxPasses(); i++ {
		stats.PassesRun++
		total := 0
		if cfg.InactiveFolding {
			c := runPass(inactiveFold)
			stats.InactiveFolds += c
			total += c
		}
		if cfg.CSE {
			c := runPass(cse)
			stats.DuplicatesEliminated += c
			total += c
		}
		if cfg.Algebraic {
			c := runPass(algebraicSimplify)
			stats.AlgebraicRewrites += c
			total += c
		}
		if cfg.Stability {
			c := runPass(stabilityClean)
			stats.StabilityRewrites += c
			total += c
		}
		if total == 0 {
			break
		}
	}

	if cfg.ConstantCleanup {
		stats.ConstantsRemoved += runPass(constantCleanup)
	}

	return current, buildMapping(g, composed), stats, nil
}

func identityMap(n int) []ir.NodeID {
	m := make([]ir.NodeID, n)
	for i := range m {
		m[i] = ir.NodeID(i)
	}
	return m
}

func buildMapping(original *ir.Graph, composed []ir.NodeID) *Mapping {
	m := &Mapping{}
	for id := range original.Nodes {
		if original.Nodes[id].Op == ir.Input {
			m.Inputs = append(m.Inputs, composed[id])
		}
	}
	for _, out := range original.Outputs {
		m.Outputs = append(m.Outputs, composed[out])
	}
	return m
}
