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

package engine

import (
	"strings"

	"github.com/fatih/color"

	"github.com/da-roth/forge/ir"
	"github.com/da-roth/forge/optimizer"
)

// printGraph and printStats are debug-only dumps, gated entirely behind
// Config.EnableDebugRecording: they never run on the hot compilation
// path. color.New degrades to plain text automatically when stdout
// isn't a terminal (its own isatty check), so these are safe under a
// CI log or a pipe without special-casing here.
var (
	headerColor = color.New(color.FgCyan, color.Bold)
	nodeColor   = color.New(color.FgYellow)
	statColor   = color.New(color.FgGreen)
)

func (e *Engine) printGraph(label string, g *ir.Graph) {
	headerColor.Printf("-- %s (%d nodes) --\n", label, len(g.Nodes))
	for i := range g.Nodes {
		n := &g.Nodes[i]
		if n.Flags.IsDead {
			continue
		}
		tags := deadTags(n)
		nodeColor.Printf("  %%%d = %s(%d, %d, %d)%s\n", i, n.Op, n.A, n.B, n.C, tags)
	}
	logger.Printf("%s: dumped %d nodes", label, len(g.Nodes))
}

func deadTags(n *ir.Node) string {
	var tags []string
	if n.Flags.NeedsGradient {
		tags = append(tags, "grad")
	}
	if n.Flags.IsActive {
		tags = append(tags, "active")
	}
	if len(tags) == 0 {
		return ""
	}
	return " [" + strings.Join(tags, ",") + "]"
}

func printStats(stats optimizer.Stats) {
	statColor.Printf("passes=%d stability=%d inactive=%d cse=%d algebraic=%d constants=%d\n",
		stats.PassesRun, stats.StabilityRewrites, stats.InactiveFolds,
		stats.DuplicatesEliminated, stats.AlgebraicRewrites, stats.ConstantsRemoved)
}
