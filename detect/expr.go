package detect

import (
	"fmt"
	"strconv"
	"strings"

	"corvus/core"
)

// Expr is a compiled predicate evaluated against event fields. Compilation
// happens once at rule load time; evaluation never allocates or fails.
// Unknown fields evaluate to no match rather than erroring, so a bad rule
// is isolated to itself.
type Expr interface {
	Eval(e *core.Event) bool
}

// Token types for the predicate mini-language.
type tokenType int

const (
	tokIdent tokenType = iota
	tokString
	tokOp
	tokAnd
	tokOr
	tokIn
	tokLParen
	tokRParen
	tokComma
)

type token struct {
	typ tokenType
	val string
}

// tokenize splits a predicate expression into tokens. Field names are
// dotted identifiers ("event.category"); string literals use single quotes;
// bare numeric tokens are identifiers resolved to numbers in literal position.
func tokenize(expr string) ([]token, error) {
	var tokens []token
	i := 0
	n := len(expr)

	for i < n {
		ch := expr[i]
		switch {
		case ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r':
			i++
		case strings.HasPrefix(expr[i:], "==") || strings.HasPrefix(expr[i:], "!=") ||
			strings.HasPrefix(expr[i:], "<=") || strings.HasPrefix(expr[i:], ">="):
			tokens = append(tokens, token{tokOp, expr[i : i+2]})
			i += 2
		case ch == '<' || ch == '>':
			tokens = append(tokens, token{tokOp, string(ch)})
			i++
		case ch == '(':
			tokens = append(tokens, token{tokLParen, "("})
			i++
		case ch == ')':
			tokens = append(tokens, token{tokRParen, ")"})
			i++
		case ch == ',':
			tokens = append(tokens, token{tokComma, ","})
			i++
		case ch == '\'':
			j := i + 1
			for j < n && expr[j] != '\'' {
				j++
			}
			if j >= n {
				return nil, fmt.Errorf("unterminated string literal at position %d", i)
			}
			tokens = append(tokens, token{tokString, expr[i+1 : j]})
			i = j + 1
		case isIdentChar(ch):
			j := i
			for j < n && isIdentChar(expr[j]) {
				j++
			}
			word := expr[i:j]
			switch word {
			case "and":
				tokens = append(tokens, token{tokAnd, word})
			case "or":
				tokens = append(tokens, token{tokOr, word})
			case "in":
				tokens = append(tokens, token{tokIn, word})
			default:
				tokens = append(tokens, token{tokIdent, word})
			}
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q at position %d", ch, i)
		}
	}
	return tokens, nil
}

func isIdentChar(ch byte) bool {
	return ch >= 'a' && ch <= 'z' || ch >= 'A' && ch <= 'Z' ||
		ch >= '0' && ch <= '9' || ch == '_' || ch == '.' || ch == '-' || ch == ':'
}

// parser is a recursive-descent parser over the token stream.
type parser struct {
	tokens []token
	pos    int
}

// Compile parses and compiles a predicate expression.
func Compile(expr string) (Expr, error) {
	tokens, err := tokenize(expr)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("empty expression")
	}
	p := &parser{tokens: tokens}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.tokens) {
		return nil, fmt.Errorf("unexpected token %q after expression", p.tokens[p.pos].val)
	}
	return root, nil
}

func (p *parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek(tokOr) {
		p.pos++
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &orExpr{left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Expr, error) {
	left, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for p.peek(tokAnd) {
		p.pos++
		right, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		left = &andExpr{left: left, right: right}
	}
	return left, nil
}

func (p *parser) parsePrimary() (Expr, error) {
	if p.peek(tokLParen) {
		p.pos++
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if !p.peek(tokRParen) {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return inner, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (Expr, error) {
	if !p.peek(tokIdent) {
		return nil, fmt.Errorf("expected field name in comparison")
	}
	field := p.tokens[p.pos].val
	p.pos++

	if p.peek(tokIn) {
		p.pos++
		return p.parseSetMembership(field)
	}

	if !p.peek(tokOp) {
		return nil, fmt.Errorf("expected comparison operator after field %q", field)
	}
	op := p.tokens[p.pos].val
	p.pos++

	lit, numeric, num, err := p.parseLiteral()
	if err != nil {
		return nil, err
	}
	if (op == "<" || op == "<=" || op == ">" || op == ">=") && !numeric {
		return nil, fmt.Errorf("operator %q requires a numeric literal", op)
	}
	return &cmpExpr{field: field, op: op, str: lit, num: num, numeric: numeric}, nil
}

func (p *parser) parseSetMembership(field string) (Expr, error) {
	if !p.peek(tokLParen) {
		return nil, fmt.Errorf("expected '(' after 'in'")
	}
	p.pos++

	values := make(map[string]struct{})
	for {
		lit, _, _, err := p.parseLiteral()
		if err != nil {
			return nil, err
		}
		values[lit] = struct{}{}
		if p.peek(tokComma) {
			p.pos++
			continue
		}
		break
	}
	if !p.peek(tokRParen) {
		return nil, fmt.Errorf("missing ')' in set membership")
	}
	p.pos++
	if len(values) == 0 {
		return nil, fmt.Errorf("empty set in membership test")
	}
	return &inExpr{field: field, values: values}, nil
}

// parseLiteral consumes a string or numeric literal. Bare identifiers are
// accepted only when they parse as numbers.
func (p *parser) parseLiteral() (string, bool, float64, error) {
	if p.peek(tokString) {
		v := p.tokens[p.pos].val
		p.pos++
		return v, false, 0, nil
	}
	if p.peek(tokIdent) {
		v := p.tokens[p.pos].val
		if num, err := strconv.ParseFloat(v, 64); err == nil {
			p.pos++
			return v, true, num, nil
		}
		return "", false, 0, fmt.Errorf("bare literal %q is not a number (string literals use single quotes)", v)
	}
	return "", false, 0, fmt.Errorf("expected literal")
}

func (p *parser) peek(t tokenType) bool {
	return p.pos < len(p.tokens) && p.tokens[p.pos].typ == t
}

type andExpr struct{ left, right Expr }

func (a *andExpr) Eval(e *core.Event) bool { return a.left.Eval(e) && a.right.Eval(e) }

type orExpr struct{ left, right Expr }

func (o *orExpr) Eval(e *core.Event) bool { return o.left.Eval(e) || o.right.Eval(e) }

type cmpExpr struct {
	field   string
	op      string
	str     string
	num     float64
	numeric bool
}

func (c *cmpExpr) Eval(e *core.Event) bool {
	actual, ok := e.Field(c.field)
	if !ok {
		// Absent field is no match regardless of operator.
		return false
	}

	if c.numeric {
		actualNum, err := strconv.ParseFloat(actual, 64)
		if err != nil {
			return false
		}
		switch c.op {
		case "==":
			return actualNum == c.num
		case "!=":
			return actualNum != c.num
		case "<":
			return actualNum < c.num
		case "<=":
			return actualNum <= c.num
		case ">":
			return actualNum > c.num
		case ">=":
			return actualNum >= c.num
		}
		return false
	}

	switch c.op {
	case "==":
		return actual == c.str
	case "!=":
		return actual != c.str
	}
	return false
}

type inExpr struct {
	field  string
	values map[string]struct{}
}

func (i *inExpr) Eval(e *core.Event) bool {
	actual, ok := e.Field(i.field)
	if !ok {
		return false
	}
	_, member := i.values[actual]
	return member
}
