package alert

import (
	"fmt"
	"strconv"
	"strings"
)

// Conditions are compiled from a small grammar:
//
//	expr    = or
//	or      = and { ("or" | "||") and }
//	and     = not { ("and" | "&&") not }
//	not     = ("not" | "!") not | compare
//	compare = sum { ("<" | "<=" | ">" | ">=" | "==" | "!=") sum }
//	sum     = product { ("+" | "-") product }
//	product = unary { ("*" | "/") unary }
//	unary   = "-" unary | primary
//	primary = number | "value" | "change_rate" | "true" | "false" | "(" expr ")"
//
// Chained comparisons such as "15 <= value < 35" hold when every link holds.

// CompileError reports an expression that does not fit the grammar
type CompileError struct {
	Expr string
	Pos  int
	Msg  string
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("invalid condition %q at offset %d: %s", e.Expr, e.Pos, e.Msg)
}

// EvalError reports a condition that could not be evaluated for a reading
type EvalError struct {
	Expr string
	Msg  string
}

func (e *EvalError) Error() string {
	return fmt.Sprintf("cannot evaluate %q: %s", e.Expr, e.Msg)
}

// Env holds the variables visible to a condition
type Env struct {
	Value      float64
	ChangeRate *float64
}

// Expr is a compiled condition
type Expr struct {
	src  string
	root node
}

// Compile parses a condition expression
func Compile(src string) (*Expr, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{src: src, toks: toks}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != tokEOF {
		return nil, &CompileError{Expr: src, Pos: tok.pos, Msg: fmt.Sprintf("unexpected %q", tok.text)}
	}
	return &Expr{src: src, root: root}, nil
}

// String returns the source text
func (e *Expr) String() string {
	return e.src
}

// Eval evaluates the condition. A non-boolean result is an *EvalError.
func (e *Expr) Eval(env Env) (bool, error) {
	v, err := e.root.eval(env)
	if err != nil {
		return false, &EvalError{Expr: e.src, Msg: err.Error()}
	}
	if v.kind != kindBool {
		return false, &EvalError{Expr: e.src, Msg: "result is not a boolean"}
	}
	return v.b, nil
}

// values

type kind int

const (
	kindNull kind = iota
	kindNum
	kindBool
)

func (k kind) String() string {
	switch k {
	case kindNum:
		return "number"
	case kindBool:
		return "boolean"
	default:
		return "null"
	}
}

type val struct {
	kind kind
	f    float64
	b    bool
}

func num(f float64) val { return val{kind: kindNum, f: f} }
func boolean(b bool) val { return val{kind: kindBool, b: b} }

// lexer

type tokKind int

const (
	tokEOF tokKind = iota
	tokNum
	tokIdent
	tokOp
	tokLParen
	tokRParen
)

type token struct {
	kind tokKind
	text string
	pos  int
	num  float64
}

var twoCharOps = []string{"<=", ">=", "==", "!=", "&&", "||"}

func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case isDigit(c) || (c == '.' && i+1 < len(src) && isDigit(src[i+1])):
			start := i
			for i < len(src) && (isDigit(src[i]) || src[i] == '.') {
				i++
			}
			if i < len(src) && (src[i] == 'e' || src[i] == 'E') {
				j := i + 1
				if j < len(src) && (src[j] == '+' || src[j] == '-') {
					j++
				}
				if j < len(src) && isDigit(src[j]) {
					i = j
					for i < len(src) && isDigit(src[i]) {
						i++
					}
				}
			}
			f, err := strconv.ParseFloat(src[start:i], 64)
			if err != nil {
				return nil, &CompileError{Expr: src, Pos: start, Msg: fmt.Sprintf("bad number %q", src[start:i])}
			}
			toks = append(toks, token{kind: tokNum, text: src[start:i], pos: start, num: f})
		case isIdentStart(c):
			start := i
			for i < len(src) && (isIdentStart(src[i]) || isDigit(src[i])) {
				i++
			}
			toks = append(toks, token{kind: tokIdent, text: src[start:i], pos: start})
		case c == '(':
			toks = append(toks, token{kind: tokLParen, text: "(", pos: i})
			i++
		case c == ')':
			toks = append(toks, token{kind: tokRParen, text: ")", pos: i})
			i++
		default:
			matched := false
			for _, op := range twoCharOps {
				if strings.HasPrefix(src[i:], op) {
					toks = append(toks, token{kind: tokOp, text: op, pos: i})
					i += 2
					matched = true
					break
				}
			}
			if matched {
				continue
			}
			if strings.IndexByte("<>+-*/!", c) >= 0 {
				toks = append(toks, token{kind: tokOp, text: string(c), pos: i})
				i++
				continue
			}
			return nil, &CompileError{Expr: src, Pos: i, Msg: fmt.Sprintf("unexpected character %q", c)}
		}
	}
	toks = append(toks, token{kind: tokEOF, pos: len(src)})
	return toks, nil
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// parser

type parser struct {
	src  string
	toks []token
	pos  int
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	tok := p.toks[p.pos]
	if tok.kind != tokEOF {
		p.pos++
	}
	return tok
}

// accept consumes the next token if its text is one of words
func (p *parser) accept(words ...string) (string, bool) {
	tok := p.peek()
	if tok.kind != tokOp && tok.kind != tokIdent {
		return "", false
	}
	for _, w := range words {
		if tok.text == w {
			p.pos++
			return w, true
		}
	}
	return "", false
}

func (p *parser) errorf(tok token, format string, args ...interface{}) error {
	return &CompileError{Expr: p.src, Pos: tok.pos, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.accept("or", "||"); !ok {
			return left, nil
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &logicalNode{or: true, left: left, right: right}
	}
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.accept("and", "&&"); !ok {
			return left, nil
		}
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &logicalNode{left: left, right: right}
	}
}

func (p *parser) parseNot() (node, error) {
	if _, ok := p.accept("not", "!"); ok {
		operand, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &notNode{operand: operand}, nil
	}
	return p.parseCompare()
}

func (p *parser) parseCompare() (node, error) {
	first, err := p.parseSum()
	if err != nil {
		return nil, err
	}
	operands := []node{first}
	var ops []string
	for {
		op, ok := p.accept("<", "<=", ">", ">=", "==", "!=")
		if !ok {
			break
		}
		right, err := p.parseSum()
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
		operands = append(operands, right)
	}
	if len(ops) == 0 {
		return first, nil
	}
	return &compareNode{ops: ops, operands: operands}, nil
}

func (p *parser) parseSum() (node, error) {
	left, err := p.parseProduct()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.accept("+", "-")
		if !ok {
			return left, nil
		}
		right, err := p.parseProduct()
		if err != nil {
			return nil, err
		}
		left = &arithNode{op: op[0], left: left, right: right}
	}
}

func (p *parser) parseProduct() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.accept("*", "/")
		if !ok {
			return left, nil
		}
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &arithNode{op: op[0], left: left, right: right}
	}
}

func (p *parser) parseUnary() (node, error) {
	if _, ok := p.accept("-"); ok {
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &negNode{operand: operand}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	tok := p.next()
	switch tok.kind {
	case tokNum:
		return literalNode{v: num(tok.num)}, nil
	case tokIdent:
		switch tok.text {
		case "value":
			return valueNode{}, nil
		case "change_rate":
			return changeRateNode{}, nil
		case "true", "True":
			return literalNode{v: boolean(true)}, nil
		case "false", "False":
			return literalNode{v: boolean(false)}, nil
		default:
			return nil, p.errorf(tok, "unknown identifier %q", tok.text)
		}
	case tokLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if closing := p.next(); closing.kind != tokRParen {
			return nil, p.errorf(closing, "expected )")
		}
		return inner, nil
	case tokEOF:
		return nil, p.errorf(tok, "unexpected end of expression")
	default:
		return nil, p.errorf(tok, "unexpected %q", tok.text)
	}
}

// evaluation

type node interface {
	eval(env Env) (val, error)
}

type literalNode struct{ v val }

func (n literalNode) eval(Env) (val, error) { return n.v, nil }

type valueNode struct{}

func (valueNode) eval(env Env) (val, error) { return num(env.Value), nil }

type changeRateNode struct{}

func (changeRateNode) eval(env Env) (val, error) {
	if env.ChangeRate == nil {
		return val{kind: kindNull}, nil
	}
	return num(*env.ChangeRate), nil
}

type negNode struct{ operand node }

func (n *negNode) eval(env Env) (val, error) {
	v, err := n.operand.eval(env)
	if err != nil {
		return val{}, err
	}
	if v.kind != kindNum {
		return val{}, fmt.Errorf("cannot negate %s", v.kind)
	}
	return num(-v.f), nil
}

type notNode struct{ operand node }

func (n *notNode) eval(env Env) (val, error) {
	v, err := n.operand.eval(env)
	if err != nil {
		return val{}, err
	}
	if v.kind != kindBool {
		return val{}, fmt.Errorf("not applied to %s", v.kind)
	}
	return boolean(!v.b), nil
}

type arithNode struct {
	op          byte
	left, right node
}

func (n *arithNode) eval(env Env) (val, error) {
	l, err := n.left.eval(env)
	if err != nil {
		return val{}, err
	}
	r, err := n.right.eval(env)
	if err != nil {
		return val{}, err
	}
	if l.kind != kindNum || r.kind != kindNum {
		return val{}, fmt.Errorf("operator %c applied to %s and %s", n.op, l.kind, r.kind)
	}
	switch n.op {
	case '+':
		return num(l.f + r.f), nil
	case '-':
		return num(l.f - r.f), nil
	case '*':
		return num(l.f * r.f), nil
	default:
		if r.f == 0 {
			return val{}, fmt.Errorf("division by zero")
		}
		return num(l.f / r.f), nil
	}
}

type logicalNode struct {
	or          bool
	left, right node
}

func (n *logicalNode) eval(env Env) (val, error) {
	l, err := n.left.eval(env)
	if err != nil {
		return val{}, err
	}
	if l.kind != kindBool {
		return val{}, fmt.Errorf("logical operand is %s", l.kind)
	}
	if n.or && l.b {
		return boolean(true), nil
	}
	if !n.or && !l.b {
		return boolean(false), nil
	}
	r, err := n.right.eval(env)
	if err != nil {
		return val{}, err
	}
	if r.kind != kindBool {
		return val{}, fmt.Errorf("logical operand is %s", r.kind)
	}
	return boolean(r.b), nil
}

type compareNode struct {
	ops      []string
	operands []node
}

func (n *compareNode) eval(env Env) (val, error) {
	left, err := n.operands[0].eval(env)
	if err != nil {
		return val{}, err
	}
	for i, op := range n.ops {
		right, err := n.operands[i+1].eval(env)
		if err != nil {
			return val{}, err
		}
		ok, err := compare(op, left, right)
		if err != nil {
			return val{}, err
		}
		if !ok {
			return boolean(false), nil
		}
		left = right
	}
	return boolean(true), nil
}

func compare(op string, l, r val) (bool, error) {
	if l.kind == kindNull || r.kind == kindNull {
		return false, fmt.Errorf("comparison %s with null operand", op)
	}
	if l.kind != r.kind {
		return false, fmt.Errorf("comparison %s between %s and %s", op, l.kind, r.kind)
	}
	if l.kind == kindBool {
		switch op {
		case "==":
			return l.b == r.b, nil
		case "!=":
			return l.b != r.b, nil
		default:
			return false, fmt.Errorf("ordering %s between booleans", op)
		}
	}
	switch op {
	case "<":
		return l.f < r.f, nil
	case "<=":
		return l.f <= r.f, nil
	case ">":
		return l.f > r.f, nil
	case ">=":
		return l.f >= r.f, nil
	case "==":
		return l.f == r.f, nil
	default:
		return l.f != r.f, nil
	}
}
