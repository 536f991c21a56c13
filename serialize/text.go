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
	"fmt"
	"strconv"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"

	"github.com/da-roth/forge/ir"
)

// textLexer tokenizes the supplemental DSL: `y = x*x + 1; diff x; output y;`.
// Grounded on the participle-based stateful lexer pattern: an ordered rule
// list, longest-match keywords folded into Ident and distinguished later.
var textLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Comment", Pattern: `//[^\n]*`},
	{Name: "Number", Pattern: `[0-9]+(\.[0-9]+)?`},
	{Name: "Ident", Pattern: `[a-zA-Z_][a-zA-Z0-9_]*`},
	{Name: "Operator", Pattern: `[-+*/(),;=]`},
	{Name: "Whitespace", Pattern: `[ \t\r\n]+`},
})

// Program is the parsed form of one text-DSL source: an ordered list of
// statements, evaluated top to bottom.
type Program struct {
	Statements []*Statement `@@*`
}

type Statement struct {
	Diff   *DiffStmt   `(  @@`
	Output *OutputStmt ` | @@`
	Let    *LetStmt    `| @@ )`
}

type DiffStmt struct {
	Name string `"diff" @Ident ";"`
}

type OutputStmt struct {
	Name string `"output" @Ident ";"`
}

type LetStmt struct {
	Name string `@Ident "="`
	Expr *Expr  `@@ ";"`
}

// Expr is the lowest-precedence level: addition and subtraction.
type Expr struct {
	Left  *Term   `@@`
	Ops   []string `( @("+" | "-")`
	Right []*Term  `  @@ )*`
}

// Term is multiplication and division, binding tighter than Expr.
type Term struct {
	Left  *Unary   `@@`
	Ops   []string `( @("*" | "/")`
	Right []*Unary `  @@ )*`
}

// Unary is a prefix negation or a bare Primary.
type Unary struct {
	Neg     bool     `( @"-"`
	Operand *Unary   `  @@`
	Primary *Primary `| @@ )`
}

// Primary is a numeric literal, a parenthesized expression, a function
// call (`sin(x)`, `pow(x, y)`), or a variable reference.
type Primary struct {
	Number *string   `(  @Number`
	Call   *CallExpr `  | @@`
	Ident  *string   `  | @Ident`
	Paren  *Expr     `  | "(" @@ ")" )`
}

type CallExpr struct {
	Name string  `@Ident "("`
	Args []*Expr `@@ ("," @@)* ")"`
}

var textParser = participle.MustBuild[Program](
	participle.Lexer(textLexer),
	participle.Elide("Whitespace", "Comment"),
	participle.UseLookahead(2),
)

// unaryFuncs maps a DSL call name to an ir.OpCode of arity 1.
var unaryFuncs = map[string]ir.OpCode{
	"neg": ir.Neg, "abs": ir.Abs, "square": ir.Square, "recip": ir.Recip,
	"sqrt": ir.Sqrt, "exp": ir.Exp, "log": ir.Log, "sin": ir.Sin,
	"cos": ir.Cos, "tan": ir.Tan, "not": ir.Not,
}

// binaryFuncs maps a DSL call name to an ir.OpCode of arity 2, for
// operations with no infix spelling (min/max/pow/comparisons/mod).
var binaryFuncs = map[string]ir.OpCode{
	"min": ir.Min, "max": ir.Max, "pow": ir.Pow, "mod": ir.Mod,
	"lt": ir.Lt, "le": ir.Le, "gt": ir.Gt, "ge": ir.Ge, "eq": ir.Eq, "ne": ir.Ne,
}

// lowerState threads the builder and variable bindings through one
// Program's lowering.
type lowerState struct {
	b    *ir.Builder
	vars map[string]ir.NodeID
}

// ParseText parses the supplemental textual graph DSL and lowers it
// directly into an *ir.Graph via ir.Builder, so a DSL-recorded graph
// gets the same isActive/needsGradient bookkeeping a programmatic
// Builder caller would get. A name used in an expression before any
// assignment to it becomes an Input node; diff and output statements
// must name an already-bound variable.
func ParseText(src string) (*ir.Graph, error) {
	prog, err := textParser.ParseString("", src)
	if err != nil {
		return nil, fmt.Errorf("serialize: parse: %w", err)
	}

	st := &lowerState{b: ir.NewBuilder(), vars: make(map[string]ir.NodeID)}
	for _, stmt := range prog.Statements {
		if err := st.lowerStatement(stmt); err != nil {
			return nil, err
		}
	}
	return st.b.Graph(), nil
}

func (st *lowerState) lowerStatement(s *Statement) error {
	switch {
	case s.Let != nil:
		id, err := st.lowerExpr(s.Let.Expr)
		if err != nil {
			return err
		}
		st.vars[s.Let.Name] = id
		return nil
	case s.Diff != nil:
		id, ok := st.vars[s.Diff.Name]
		if !ok {
			return fmt.Errorf("serialize: diff statement references undefined variable %q", s.Diff.Name)
		}
		st.b.MarkDiffInput(id)
		return nil
	case s.Output != nil:
		id, ok := st.vars[s.Output.Name]
		if !ok {
			return fmt.Errorf("serialize: output statement references undefined variable %q", s.Output.Name)
		}
		st.b.MarkOutput(id)
		return nil
	default:
		return fmt.Errorf("serialize: empty statement")
	}
}

func (st *lowerState) lowerExpr(e *Expr) (ir.NodeID, error) {
	acc, err := st.lowerTerm(e.Left)
	if err != nil {
		return 0, err
	}
	for i, op := range e.Ops {
		rhs, err := st.lowerTerm(e.Right[i])
		if err != nil {
			return 0, err
		}
		switch op {
		case "+":
			acc = st.b.Binary(ir.Add, acc, rhs)
		case "-":
			acc = st.b.Binary(ir.Sub, acc, rhs)
		}
	}
	return acc, nil
}

func (st *lowerState) lowerTerm(t *Term) (ir.NodeID, error) {
	acc, err := st.lowerUnary(t.Left)
	if err != nil {
		return 0, err
	}
	for i, op := range t.Ops {
		rhs, err := st.lowerUnary(t.Right[i])
		if err != nil {
			return 0, err
		}
		switch op {
		case "*":
			acc = st.b.Binary(ir.Mul, acc, rhs)
		case "/":
			acc = st.b.Binary(ir.Div, acc, rhs)
		}
	}
	return acc, nil
}

func (st *lowerState) lowerUnary(u *Unary) (ir.NodeID, error) {
	if u.Operand != nil {
		id, err := st.lowerUnary(u.Operand)
		if err != nil {
			return 0, err
		}
		return st.b.Unary(ir.Neg, id), nil
	}
	return st.lowerPrimary(u.Primary)
}

func (st *lowerState) lowerPrimary(p *Primary) (ir.NodeID, error) {
	switch {
	case p.Number != nil:
		v, err := strconv.ParseFloat(*p.Number, 64)
		if err != nil {
			return 0, fmt.Errorf("serialize: bad numeric literal %q: %w", *p.Number, err)
		}
		return st.b.Const(v), nil
	case p.Ident != nil:
		id, ok := st.vars[*p.Ident]
		if !ok {
			id = st.b.Input()
			st.vars[*p.Ident] = id
		}
		return id, nil
	case p.Call != nil:
		return st.lowerCall(p.Call)
	case p.Paren != nil:
		return st.lowerExpr(p.Paren)
	default:
		return 0, fmt.Errorf("serialize: empty expression")
	}
}

func (st *lowerState) lowerCall(c *CallExpr) (ir.NodeID, error) {
	if op, ok := unaryFuncs[c.Name]; ok {
		if len(c.Args) != 1 {
			return 0, fmt.Errorf("serialize: %s takes exactly one argument", c.Name)
		}
		a, err := st.lowerExpr(c.Args[0])
		if err != nil {
			return 0, err
		}
		return st.b.Unary(op, a), nil
	}
	if op, ok := binaryFuncs[c.Name]; ok {
		if len(c.Args) != 2 {
			return 0, fmt.Errorf("serialize: %s takes exactly two arguments", c.Name)
		}
		a, err := st.lowerExpr(c.Args[0])
		if err != nil {
			return 0, err
		}
		b, err := st.lowerExpr(c.Args[1])
		if err != nil {
			return 0, err
		}
		return st.b.Binary(op, a, b), nil
	}
	return 0, fmt.Errorf("serialize: unknown function %q", c.Name)
}
