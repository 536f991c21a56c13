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

package serialize

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/da-roth/forge/ir"
)

func buildSample() *ir.Graph {
	b := ir.NewBuilder()
	x := b.Input()
	b.MarkDiffInput(x)
	c := b.Const(2.0)
	nan := b.Const(math.NaN())
	inf := b.Const(math.Inf(1))
	sq := b.Unary(ir.Square, x)
	sum := b.Binary(ir.Add, sq, c)
	_ = nan
	_ = inf
	b.MarkOutput(sum)
	return b.Graph()
}

func TestJSONRoundTrip(t *testing.T) {
	g := buildSample()
	data, err := Marshal(g)
	require.NoError(t, err)

	got, err := Unmarshal(data)
	require.NoError(t, err)

	require.Equal(t, len(g.Nodes), len(got.Nodes))
	require.Equal(t, g.Outputs, got.Outputs)
	require.Equal(t, g.DiffInputs, got.DiffInputs)
	require.Equal(t, len(g.ConstPool), len(got.ConstPool))
	require.True(t, math.IsNaN(got.ConstPool[1]))
	require.True(t, math.IsInf(got.ConstPool[2], 1))
	require.InDelta(t, g.ConstPool[0], got.ConstPool[0], 0)

	for i := range g.Nodes {
		require.Equal(t, g.Nodes[i].Op, got.Nodes[i].Op, "node %d op", i)
		require.Equal(t, g.Nodes[i].A, got.Nodes[i].A, "node %d a", i)
		require.Equal(t, g.Nodes[i].B, got.Nodes[i].B, "node %d b", i)
		require.Equal(t, g.Nodes[i].Flags, got.Nodes[i].Flags, "node %d flags", i)
	}
}

func TestUnmarshalRejectsUnknownVersion(t *testing.T) {
	_, err := Unmarshal([]byte(`{"version":"2.0","nodes":[],"constPool":[],"outputs":[],"diff_inputs":[]}`))
	require.Error(t, err)
}

func TestParseTextBasic(t *testing.T) {
	g, err := ParseText(`
		y = x * x + 1;
		diff x;
		output y;
	`)
	require.NoError(t, err)
	require.Len(t, g.Outputs, 1)
	require.Len(t, g.DiffInputs, 1)

	out := g.Nodes[g.Outputs[0]]
	require.Equal(t, ir.Add, out.Op)
}

func TestParseTextFunctionCalls(t *testing.T) {
	g, err := ParseText(`
		y = sin(x) + pow(x, 2);
		output y;
	`)
	require.NoError(t, err)
	require.Len(t, g.Outputs, 1)

	var sawSin, sawPow bool
	for i := range g.Nodes {
		switch g.Nodes[i].Op {
		case ir.Sin:
			sawSin = true
		case ir.Pow:
			sawPow = true
		}
	}
	require.True(t, sawSin)
	require.True(t, sawPow)
}

func TestParseTextUndefinedVariable(t *testing.T) {
	_, err := ParseText(`output z;`)
	require.Error(t, err)
}
