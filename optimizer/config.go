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

// Package optimizer implements the multi-pass graph rewrite pipeline of
// §4.2: stability cleaning, inactive folding, common subexpression
// elimination, algebraic simplification and constant-pool cleanup.
package optimizer

// Config is the pipeline-facing switch struct named in §4.2: only
// Stability is on by default, matching the spec's "only `stability` is
// on by default".
type Config struct {
	Stability        bool
	InactiveFolding  bool
	CSE              bool
	Algebraic        bool
	ConstantCleanup  bool
	MaxPasses        int
	StepDebug        bool
	// ValidateFirst mirrors §6's validate_graph option: run Graph.Validate
	// before the pipeline starts.
	ValidateFirst bool
}

// DefaultConfig returns the config the spec calls "default": stability
// cleaning on, everything else off, five iteration passes.
func DefaultConfig() Config {
	return Config{
		Stability: true,
		MaxPasses: 5,
	}
}

// AllEnabled returns a config with every pass gate on and five
// iteration passes. engine.Config does not use it: it sets each gate
// from its own Enable* field.
func AllEnabled() Config {
	return Config{
		Stability:       true,
		InactiveFolding: true,
		CSE:             true,
		Algebraic:       true,
		ConstantCleanup: true,
		MaxPasses:       5,
	}
}

func (c Config) maxPasses() int {
	if c.MaxPasses > 0 {
		return c.MaxPasses
	}
	return 5
}
