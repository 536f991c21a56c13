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

// Package engine is the compilation context a caller drives: it takes
// a recorded ir.Graph and a Config, runs the optimizer, emitter and
// assembler, and hands back a kernel.Kernel (§4.7's "ForgeEngine").
package engine

import (
	"fmt"
	"log"
	"os"

	"github.com/da-roth/forge/asm"
	"github.com/da-roth/forge/backend"
	"github.com/da-roth/forge/emitter"
	"github.com/da-roth/forge/ir"
	"github.com/da-roth/forge/kernel"
	"github.com/da-roth/forge/optimizer"
	"github.com/da-roth/forge/runtime"
)

// instructionsPerNode sizes the assembler's instruction-buffer cache
// hint: each node forward-emits at most a handful of instructions, and
// reverse-mode roughly doubles that, so this is a generous per-node
// estimate rather than a measured figure.
const instructionsPerNode = 12

// logger is the package-level logger every Engine shares, matching the
// ambient stack's stdlib log.Logger convention rather than a
// structured-logging dependency the pack never carries.
var logger = log.New(os.Stderr, "forge/engine: ", log.LstdFlags)

// Config is the compiler's caller-facing switch struct (§6). It is a
// plain struct of bools and a handful of scalars, not a functional-options
// builder: there are only a dozen independent knobs, all boolean or
// small enums, so a literal is clearer than a chain of With* calls.
type Config struct {
	EnableOptimizations bool

	EnableInactiveFolding bool
	EnableCSE             bool
	EnableAlgebraic       bool
	EnableStability       bool
	EnableConstantCleanup bool

	MaxOptimizationPasses int

	// InstructionSet names a registry entry directly ("sse2", "avx2").
	// Empty defers to FORGE_INSTRUCTION_SET, then to DefaultInstructionSet.
	InstructionSet string

	ValidateGraph bool

	// EnableDebugRecording and the Print* knobs are carried for parity
	// with the §6 config surface. Trace points proper are out of scope;
	// when EnableDebugRecording is set, Compile logs one summary line
	// for the whole optimizer run, and PrintGraph, PrintOptimizedGraph
	// and PrintStats add colorized dumps on stdout.
	EnableDebugRecording bool
	PrintGraph           bool
	PrintOptimizedGraph  bool
	PrintStats           bool
}

// DefaultInstructionSet is the backend selected when Config.InstructionSet
// is empty and FORGE_INSTRUCTION_SET is unset.
const DefaultInstructionSet = "sse2"

// DefaultConfig returns the conservative default: stability cleaning
// only, five optimization passes, sse2 backend.
func DefaultConfig() Config {
	return Config{
		EnableOptimizations:   true,
		EnableStability:       true,
		MaxOptimizationPasses: 5,
		ValidateGraph:         true,
	}
}

func (c Config) toOptimizerConfig() optimizer.Config {
	if !c.EnableOptimizations {
		return optimizer.Config{
			Stability:     c.EnableStability,
			MaxPasses:     1,
			ValidateFirst: c.ValidateGraph,
		}
	}
	maxPasses := c.MaxOptimizationPasses
	if maxPasses <= 0 {
		maxPasses = 5
	}
	return optimizer.Config{
		Stability:       c.EnableStability,
		InactiveFolding: c.EnableInactiveFolding,
		CSE:             c.EnableCSE,
		Algebraic:       c.EnableAlgebraic,
		ConstantCleanup: c.EnableConstantCleanup,
		MaxPasses:       maxPasses,
		ValidateFirst:   c.ValidateGraph,
	}
}

// Engine is single-thread-use (§5): create one per compiling thread. It
// holds no state between Compile calls beyond the shared process-wide
// Runtime handle.
type Engine struct {
	rt *runtime.Runtime
}

// New returns an Engine bound to the process-wide Runtime.
func New() *Engine {
	return &Engine{rt: runtime.Get()}
}

// Compile runs the full pipeline over g and returns a ready-to-use
// Kernel: optimize, select a backend, emit forward (and, if any output
// needs it, reverse) code, assemble, and load an executable page.
func (e *Engine) Compile(g *ir.Graph, cfg Config) (*kernel.Kernel, error) {
	if cfg.EnableDebugRecording && cfg.PrintGraph {
		e.printGraph("input graph", g)
	}

	optCfg := cfg.toOptimizerConfig()
	pipeline := &optimizer.Pipeline{}
	optimized, mapping, stats, err := pipeline.Optimize(g, optCfg)
	if err != nil {
		return nil, fmt.Errorf("engine: optimize: %w", err)
	}
	if cfg.EnableDebugRecording {
		logPassSummary(stats)
		if cfg.PrintOptimizedGraph {
			e.printGraph("optimized graph", optimized)
		}
		if cfg.PrintStats {
			printStats(stats)
		}
	}

	be, err := e.selectBackend(cfg.InstructionSet)
	if err != nil {
		return nil, err
	}

	hasGradient := false
	for _, out := range optimized.Outputs {
		if optimized.Nodes[out].Flags.NeedsGradient {
			hasGradient = true
			break
		}
	}

	cacheHint := len(optimized.Nodes) * instructionsPerNode
	if cacheHint < 64 {
		cacheHint = 64
	}
	a, err := asm.New(cacheHint)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	alloc := be.NewAllocator()
	var emitErr error
	a.Init(func() {
		be.EmitPrologue(a)
		if emitErr = emitter.Forward(a, be, optimized, alloc, nil); emitErr != nil {
			return
		}
		if hasGradient {
			if emitErr = emitter.Reverse(a, be, optimized, alloc, nil); emitErr != nil {
				return
			}
		}
		be.EmitEpilogue(a)
	})
	a.Execute()
	if emitErr != nil {
		return nil, fmt.Errorf("engine: emit: %w", emitErr)
	}

	fn, err := a.Load()
	if err != nil {
		return nil, fmt.Errorf("engine: load: %w", err)
	}
	e.rt.TrackLoad(a)

	meta := kernel.Metadata{
		BackendName:        be.Metadata().Name,
		VectorWidth:        be.Metadata().VectorWidth,
		HighestNodeID:      optimized.HighestNodeID(),
		OptimizedNodeCount: len(optimized.Nodes),
		WorkingNodeCount:   workingNodeCount(optimized),
		Outputs:            optimized.Outputs,
		IDMap:              buildIDMap(g, mapping),
		ConstPool:          optimized.ConstPool,
		HasGradient:        hasGradient,
	}
	return kernel.New(a, fn, meta), nil
}

func (e *Engine) selectBackend(requested string) (backend.Backend, error) {
	name := requested
	if name == "" {
		if envName, ok := runtime.DefaultBackendName(); ok {
			name = envName
		} else {
			name = DefaultInstructionSet
		}
	}
	be, err := e.rt.Registry.Lookup(name)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	return be, nil
}

// workingNodeCount counts non-dead nodes: the set the forward/reverse
// passes actually emit code for, as distinct from OptimizedNodeCount
// (every slot the graph still allocates, dead or not).
func workingNodeCount(g *ir.Graph) int {
	n := 0
	for i := range g.Nodes {
		if !g.Nodes[i].Flags.IsDead {
			n++
		}
	}
	return n
}

// buildIDMap reconstructs an original-graph-id -> optimized-graph-id
// map from the optimizer's positional Mapping, for callers that built
// original with unoptimized ids (§4.5's "original->optimized id map").
// Mapping tracks Input and Output nodes positionally rather than by a
// full id->id table (the optimizer's own correctness concern is
// narrower than kernel metadata's), so this walks original once to
// recover the correspondence.
func buildIDMap(original *ir.Graph, mapping *optimizer.Mapping) map[ir.NodeID]ir.NodeID {
	idMap := make(map[ir.NodeID]ir.NodeID, len(mapping.Inputs)+len(mapping.Outputs))
	inputIdx := 0
	for i := range original.Nodes {
		if original.Nodes[i].Op == ir.Input {
			if inputIdx < len(mapping.Inputs) {
				idMap[ir.NodeID(i)] = mapping.Inputs[inputIdx]
			}
			inputIdx++
		}
	}
	for i, out := range original.Outputs {
		if i < len(mapping.Outputs) {
			idMap[out] = mapping.Outputs[i]
		}
	}
	return idMap
}

func logPassSummary(stats optimizer.Stats) {
	logger.Printf("optimizer: %d passes, %d stability, %d inactive-folds, %d cse, %d algebraic, %d constants-removed",
		stats.PassesRun, stats.StabilityRewrites, stats.InactiveFolds,
		stats.DuplicatesEliminated, stats.AlgebraicRewrites, stats.ConstantsRemoved)
}
