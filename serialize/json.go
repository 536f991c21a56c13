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

// Package serialize implements the two graph interchange formats named
// in the wire-format section of the specification: a normative JSON
// format (this file) and a supplemental textual DSL (text.go). Both
// produce and consume *ir.Graph values; neither carries optimizer or
// backend state.
package serialize

import (
	"fmt"
	"math"

	"github.com/bytedance/sonic"

	"github.com/da-roth/forge/ir"
)

// WireVersion is the only version this package emits and accepts.
const WireVersion = "1.0"

// wireDouble marshals a float64 the way the wire format requires: exact
// decimal for finite values, and the strings "NaN"/"Infinity"/"-Infinity"
// for the cases JSON numbers cannot represent. Both sonic and the
// standard encoding/json honor MarshalJSON/UnmarshalJSON, so this type
// works under either encoder without extra plumbing.
type wireDouble float64

func (d wireDouble) MarshalJSON() ([]byte, error) {
	f := float64(d)
	switch {
	case math.IsNaN(f):
		return []byte(`"NaN"`), nil
	case math.IsInf(f, 1):
		return []byte(`"Infinity"`), nil
	case math.IsInf(f, -1):
		return []byte(`"-Infinity"`), nil
	default:
		return sonic.Marshal(f)
	}
}

func (d *wireDouble) UnmarshalJSON(b []byte) error {
	s := string(b)
	switch s {
	case `"NaN"`:
		*d = wireDouble(math.NaN())
		return nil
	case `"Infinity"`:
		*d = wireDouble(math.Inf(1))
		return nil
	case `"-Infinity"`:
		*d = wireDouble(math.Inf(-1))
		return nil
	default:
		var f float64
		if err := sonic.Unmarshal(b, &f); err != nil {
			return err
		}
		*d = wireDouble(f)
		return nil
	}
}

// wireNode is the on-the-wire shape of one ir.Node.
type wireNode struct {
	Op            string `json:"op"`
	Dst           uint32 `json:"dst"`
	A             uint32 `json:"a"`
	B             uint32 `json:"b"`
	C             uint32 `json:"c"`
	Imm           uint32 `json:"imm"`
	IsActive      bool   `json:"isActive"`
	IsDead        bool   `json:"isDead"`
	NeedsGradient bool   `json:"needsGradient"`
}

type wireGraph struct {
	Version    string       `json:"version"`
	Nodes      []wireNode   `json:"nodes"`
	ConstPool  []wireDouble `json:"constPool"`
	Outputs    []uint32     `json:"outputs"`
	DiffInputs []uint32     `json:"diff_inputs"`
}

// Marshal encodes g as the normative JSON wire format.
func Marshal(g *ir.Graph) ([]byte, error) {
	wg := wireGraph{
		Version:    WireVersion,
		Nodes:      make([]wireNode, len(g.Nodes)),
		ConstPool:  make([]wireDouble, len(g.ConstPool)),
		Outputs:    append([]uint32(nil), g.Outputs...),
		DiffInputs: append([]uint32(nil), g.DiffInputs...),
	}
	for i := range g.Nodes {
		n := &g.Nodes[i]
		wg.Nodes[i] = wireNode{
			Op:            n.Op.String(),
			Dst:           n.Dst,
			A:             n.A,
			B:             n.B,
			C:             n.C,
			Imm:           n.Imm,
			IsActive:      n.Flags.IsActive,
			IsDead:        n.Flags.IsDead,
			NeedsGradient: n.Flags.NeedsGradient,
		}
	}
	for i, v := range g.ConstPool {
		wg.ConstPool[i] = wireDouble(v)
	}
	return sonic.Marshal(&wg)
}

// Unmarshal decodes the normative JSON wire format into a fresh
// *ir.Graph. It rejects an unrecognized version and an unknown op tag;
// both are wire-compatibility errors, not programmer bugs, so they
// return an error rather than panicking the way ir.Builder does for
// its own misuse.
func Unmarshal(data []byte) (*ir.Graph, error) {
	var wg wireGraph
	if err := sonic.Unmarshal(data, &wg); err != nil {
		return nil, fmt.Errorf("serialize: decode: %w", err)
	}
	if wg.Version != WireVersion {
		return nil, fmt.Errorf("serialize: unsupported wire version %q (want %q)", wg.Version, WireVersion)
	}

	g := &ir.Graph{
		Nodes:      make([]ir.Node, len(wg.Nodes)),
		ConstPool:  make([]float64, len(wg.ConstPool)),
		Outputs:    append([]ir.NodeID(nil), wg.Outputs...),
		DiffInputs: append([]ir.NodeID(nil), wg.DiffInputs...),
	}
	for i, wn := range wg.Nodes {
		op, ok := ir.OpCodeFromName(wn.Op)
		if !ok {
			return nil, fmt.Errorf("serialize: node %d: unknown op tag %q", i, wn.Op)
		}
		g.Nodes[i] = ir.Node{
			Op:  op,
			A:   wn.A,
			B:   wn.B,
			C:   wn.C,
			Imm: wn.Imm,
			Flags: ir.Flags{
				IsActive:      wn.IsActive,
				IsDead:        wn.IsDead,
				NeedsGradient: wn.NeedsGradient,
			},
			Dst: wn.Dst,
		}
	}
	for i, v := range wg.ConstPool {
		g.ConstPool[i] = float64(v)
	}
	return g, nil
}
