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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/da-roth/forge/ir"

	_ "github.com/da-roth/forge/backend/sse2"
)

// buildScenarioE records y = if (x > 0) then x*x else -x, with x marked
// as a gradient input, matching the "gradient through If" scenario.
func buildScenarioE() (*ir.Graph, ir.NodeID) {
	b := ir.NewBuilder()
	x := b.Input()
	b.MarkDiffInput(x)
	zero := b.Const(0.0)
	cond := b.Binary(ir.Gt, x, zero)
	sq := b.Unary(ir.Square, x)
	negX := b.Unary(ir.Neg, x)
	y := b.Ternary(ir.If, cond, sq, negX)
	b.MarkOutput(y)
	return b.Graph(), x
}

func TestCompileScenarioEGradientThroughIf(t *testing.T) {
	g, x := buildScenarioE()
	e := New()
	k, err := e.Compile(g, DefaultConfig())
	require.NoError(t, err)
	defer k.Close()

	meta := k.Metadata()
	xOpt, ok := meta.IDMap[x]
	require.True(t, ok)

	cases := []struct {
		xv       float64
		wantY    float64
		wantGrad float64
	}{
		{3.0, 9.0, 6.0},
		{-2.0, 2.0, -1.0},
	}
	for _, c := range cases {
		buf := k.NewBuffer()
		buf.SetValue(xOpt, c.xv)
		require.NoError(t, k.Evaluate(buf))

		outOpt := meta.IDMap[g.Outputs[0]]
		require.InDelta(t, c.wantY, buf.GetValue(outOpt), 1e-9)
		require.InDelta(t, c.wantGrad, buf.GetGradient(xOpt), 1e-9)
	}
}

func TestCompileSimpleForwardOnly(t *testing.T) {
	b := ir.NewBuilder()
	x := b.Input()
	y := b.Input()
	sum := b.Binary(ir.Add, x, y)
	prod := b.Unary(ir.Square, sum)
	b.MarkOutput(prod)
	g := b.Graph()

	e := New()
	cfg := DefaultConfig()
	cfg.InstructionSet = "sse2"
	k, err := e.Compile(g, cfg)
	require.NoError(t, err)
	defer k.Close()
	require.False(t, k.Metadata().HasGradient)

	meta := k.Metadata()
	buf := k.NewBuffer()
	buf.SetValue(meta.IDMap[x], 2.0)
	buf.SetValue(meta.IDMap[y], 3.0)
	require.NoError(t, k.Evaluate(buf))
	require.InDelta(t, 25.0, buf.GetValue(meta.IDMap[g.Outputs[0]]), 1e-9)
}
