package template

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// token kinds produced by the lexer.
type tokenKind int

const (
	tokText   tokenKind = iota // literal text
	tokOutput                  // {{ ... }}
	tokTag                     // {% ... %}
)

type token struct {
	kind tokenKind
	val  string
	pos  int
}

// lex splits source into text, output, and tag tokens.
func lex(source string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(source) {
		next := -1
		var kind tokenKind
		for j := i; j < len(source)-1; j++ {
			if source[j] == '{' && source[j+1] == '{' {
				next, kind = j, tokOutput
				break
			}
			if source[j] == '{' && source[j+1] == '%' {
				next, kind = j, tokTag
				break
			}
		}
		if next < 0 {
			toks = append(toks, token{kind: tokText, val: source[i:], pos: i})
			break
		}
		if next > i {
			toks = append(toks, token{kind: tokText, val: source[i:next], pos: i})
		}
		var closer string
		if kind == tokOutput {
			closer = "}}"
		} else {
			closer = "%}"
		}
		end := strings.Index(source[next+2:], closer)
		if end < 0 {
			return nil, &ParseError{Pos: next, Message: "unterminated " + source[next:next+2]}
		}
		inner := strings.TrimSpace(source[next+2 : next+2+end])
		toks = append(toks, token{kind: kind, val: inner, pos: next})
		i = next + 2 + end + 2
	}
	return toks, nil
}

// AST nodes.
type node interface{}

type textNode struct{ text string }

type outputNode struct{ expr expr }

type ifBranch struct {
	cond expr // nil for else
	body []node
}

type ifNode struct{ branches []ifBranch }

type forNode struct {
	varName string
	list    expr
	body    []node
}

// parser builds the node tree from the token stream.
type parser struct {
	toks []token
	pos  int
}

// parseNodes consumes nodes until an end tag matching the enclosing
// construct ("endif"/"elif"/"else" inside if, "endfor" inside for).
// It stops without consuming the terminating tag.
func (p *parser) parseNodes(enclosing string) ([]node, error) {
	var nodes []node
	for p.pos < len(p.toks) {
		t := p.toks[p.pos]
		switch t.kind {
		case tokText:
			nodes = append(nodes, &textNode{text: t.val})
			p.pos++
		case tokOutput:
			e, err := parseExpr(t.val, t.pos)
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, &outputNode{expr: e})
			p.pos++
		case tokTag:
			word, rest := splitTag(t.val)
			switch word {
			case "if":
				n, err := p.parseIf(rest, t.pos)
				if err != nil {
					return nil, err
				}
				nodes = append(nodes, n)
			case "for":
				n, err := p.parseFor(rest, t.pos)
				if err != nil {
					return nil, err
				}
				nodes = append(nodes, n)
			case "elif", "else", "endif":
				if enclosing != "if" {
					return nil, &ParseError{Pos: t.pos, Message: word + " outside if block"}
				}
				return nodes, nil
			case "endfor":
				if enclosing != "for" {
					return nil, &ParseError{Pos: t.pos, Message: "endfor outside for block"}
				}
				return nodes, nil
			default:
				return nil, &ParseError{Pos: t.pos, Message: "unknown tag " + word}
			}
		}
	}
	if enclosing != "" {
		return nil, &ParseError{Pos: len(p.toks), Message: "unterminated " + enclosing + " block"}
	}
	return nodes, nil
}

// parseIf consumes the body and any elif/else branches through endif.
// The opening if tag is at p.toks[p.pos].
func (p *parser) parseIf(condSrc string, pos int) (*ifNode, error) {
	n := &ifNode{}
	p.pos++
	for {
		cond, err := parseExpr(condSrc, pos)
		if err != nil {
			return nil, err
		}
		body, err := p.parseNodes("if")
		if err != nil {
			return nil, err
		}
		n.branches = append(n.branches, ifBranch{cond: cond, body: body})

		if p.pos >= len(p.toks) {
			return nil, &ParseError{Pos: pos, Message: "unterminated if block"}
		}
		t := p.toks[p.pos]
		word, rest := splitTag(t.val)
		switch word {
		case "elif":
			p.pos++
			condSrc, pos = rest, t.pos
		case "else":
			p.pos++
			body, err := p.parseNodes("if")
			if err != nil {
				return nil, err
			}
			n.branches = append(n.branches, ifBranch{cond: nil, body: body})
			if p.pos >= len(p.toks) {
				return nil, &ParseError{Pos: t.pos, Message: "unterminated if block"}
			}
			end, _ := splitTag(p.toks[p.pos].val)
			if end != "endif" {
				return nil, &ParseError{Pos: p.toks[p.pos].pos, Message: "expected endif"}
			}
			p.pos++
			return n, nil
		case "endif":
			p.pos++
			return n, nil
		default:
			return nil, &ParseError{Pos: t.pos, Message: "expected elif, else or endif"}
		}
	}
}

// parseFor handles "{% for item in list %} ... {% endfor %}".
func (p *parser) parseFor(src string, pos int) (*forNode, error) {
	fields := strings.Fields(src)
	if len(fields) < 3 || fields[1] != "in" {
		return nil, &ParseError{Pos: pos, Message: "malformed for tag"}
	}
	if !isIdent(fields[0]) {
		return nil, &ParseError{Pos: pos, Message: "bad loop variable " + fields[0]}
	}
	list, err := parseExpr(strings.Join(fields[2:], " "), pos)
	if err != nil {
		return nil, err
	}
	p.pos++
	body, err := p.parseNodes("for")
	if err != nil {
		return nil, err
	}
	if p.pos >= len(p.toks) {
		return nil, &ParseError{Pos: pos, Message: "unterminated for block"}
	}
	end, _ := splitTag(p.toks[p.pos].val)
	if end != "endfor" {
		return nil, &ParseError{Pos: p.toks[p.pos].pos, Message: "expected endfor"}
	}
	p.pos++
	return &forNode{varName: fields[0], list: list, body: body}, nil
}

func splitTag(s string) (word, rest string) {
	s = strings.TrimSpace(s)
	if i := strings.IndexFunc(s, unicode.IsSpace); i >= 0 {
		return s[:i], strings.TrimSpace(s[i+1:])
	}
	return s, ""
}

// Expression AST.
type expr interface{}

type pathExpr struct{ parts []string }

type literalExpr struct{ val any }

type filterExpr struct {
	inner expr
	name  string
	args  []expr
}

type binaryExpr struct {
	op    string // ==, !=, in, and, or
	left  expr
	right expr
}

type notExpr struct{ inner expr }

// exprParser is a recursive-descent parser over a small token stream.
type exprParser struct {
	src string
	pos int
	at  int // source offset for errors
}

func parseExpr(src string, at int) (expr, error) {
	if strings.TrimSpace(src) == "" {
		return nil, &ParseError{Pos: at, Message: "empty expression"}
	}
	ep := &exprParser{src: src, at: at}
	e, err := ep.parseOr()
	if err != nil {
		return nil, err
	}
	ep.skipSpace()
	if ep.pos < len(ep.src) {
		return nil, &ParseError{Pos: at, Message: "trailing content in expression: " + ep.src[ep.pos:]}
	}
	return e, nil
}

func (p *exprParser) parseOr() (expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.acceptWord("or") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &binaryExpr{op: "or", left: left, right: right}
	}
	return left, nil
}

func (p *exprParser) parseAnd() (expr, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.acceptWord("and") {
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &binaryExpr{op: "and", left: left, right: right}
	}
	return left, nil
}

func (p *exprParser) parseNot() (expr, error) {
	if p.acceptWord("not") {
		inner, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &notExpr{inner: inner}, nil
	}
	return p.parseComparison()
}

func (p *exprParser) parseComparison() (expr, error) {
	left, err := p.parsePiped()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	var op string
	switch {
	case strings.HasPrefix(p.src[p.pos:], "=="):
		op = "=="
		p.pos += 2
	case strings.HasPrefix(p.src[p.pos:], "!="):
		op = "!="
		p.pos += 2
	case p.acceptWord("in"):
		op = "in"
	default:
		return left, nil
	}
	right, err := p.parsePiped()
	if err != nil {
		return nil, err
	}
	return &binaryExpr{op: op, left: left, right: right}, nil
}

// parsePiped parses a primary followed by zero or more |filter(...)
// applications.
func (p *exprParser) parsePiped() (expr, error) {
	e, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		p.skipSpace()
		if p.pos >= len(p.src) || p.src[p.pos] != '|' {
			return e, nil
		}
		p.pos++
		p.skipSpace()
		name := p.readIdent()
		if name == "" {
			return nil, &ParseError{Pos: p.at, Message: "expected filter name after |"}
		}
		f := &filterExpr{inner: e, name: name}
		p.skipSpace()
		if p.pos < len(p.src) && p.src[p.pos] == '(' {
			p.pos++
			for {
				p.skipSpace()
				if p.pos < len(p.src) && p.src[p.pos] == ')' {
					p.pos++
					break
				}
				arg, err := p.parsePrimary()
				if err != nil {
					return nil, err
				}
				f.args = append(f.args, arg)
				p.skipSpace()
				if p.pos < len(p.src) && p.src[p.pos] == ',' {
					p.pos++
					continue
				}
				if p.pos < len(p.src) && p.src[p.pos] == ')' {
					p.pos++
					break
				}
				return nil, &ParseError{Pos: p.at, Message: "malformed filter arguments for " + name}
			}
		}
		e = f
	}
}

func (p *exprParser) parsePrimary() (expr, error) {
	p.skipSpace()
	if p.pos >= len(p.src) {
		return nil, &ParseError{Pos: p.at, Message: "unexpected end of expression"}
	}
	c := p.src[p.pos]

	// Parenthesized sub-expression.
	if c == '(' {
		p.pos++
		e, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		p.skipSpace()
		if p.pos >= len(p.src) || p.src[p.pos] != ')' {
			return nil, &ParseError{Pos: p.at, Message: "missing closing parenthesis"}
		}
		p.pos++
		return e, nil
	}

	// String literal.
	if c == '"' || c == '\'' {
		quote := c
		p.pos++
		var sb strings.Builder
		for p.pos < len(p.src) && p.src[p.pos] != quote {
			if p.src[p.pos] == '\\' && p.pos+1 < len(p.src) {
				p.pos++
			}
			sb.WriteByte(p.src[p.pos])
			p.pos++
		}
		if p.pos >= len(p.src) {
			return nil, &ParseError{Pos: p.at, Message: "unterminated string literal"}
		}
		p.pos++
		return &literalExpr{val: sb.String()}, nil
	}

	// Number literal.
	if c == '-' || (c >= '0' && c <= '9') {
		start := p.pos
		p.pos++
		for p.pos < len(p.src) && (p.src[p.pos] == '.' || (p.src[p.pos] >= '0' && p.src[p.pos] <= '9')) {
			p.pos++
		}
		raw := p.src[start:p.pos]
		if strings.Contains(raw, ".") {
			f, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return nil, &ParseError{Pos: p.at, Message: "bad number " + raw}
			}
			return &literalExpr{val: f}, nil
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, &ParseError{Pos: p.at, Message: "bad number " + raw}
		}
		return &literalExpr{val: n}, nil
	}

	// Identifier path or keyword literal.
	ident := p.readIdent()
	if ident == "" {
		return nil, &ParseError{Pos: p.at, Message: fmt.Sprintf("unexpected character %q", c)}
	}
	switch ident {
	case "true":
		return &literalExpr{val: true}, nil
	case "false":
		return &literalExpr{val: false}, nil
	case "none", "null":
		return &literalExpr{val: nil}, nil
	}
	parts := []string{ident}
	for p.pos < len(p.src) && p.src[p.pos] == '.' {
		p.pos++
		next := p.readIdent()
		if next == "" {
			return nil, &ParseError{Pos: p.at, Message: "expected identifier after ."}
		}
		parts = append(parts, next)
	}
	return &pathExpr{parts: parts}, nil
}

func (p *exprParser) skipSpace() {
	for p.pos < len(p.src) && (p.src[p.pos] == ' ' || p.src[p.pos] == '\t') {
		p.pos++
	}
}

// acceptWord consumes a keyword if it appears next as a full word.
func (p *exprParser) acceptWord(word string) bool {
	p.skipSpace()
	end := p.pos + len(word)
	if end > len(p.src) || p.src[p.pos:end] != word {
		return false
	}
	if end < len(p.src) && isIdentByte(p.src[end]) {
		return false
	}
	p.pos = end
	return true
}

func (p *exprParser) readIdent() string {
	start := p.pos
	for p.pos < len(p.src) && isIdentByte(p.src[p.pos]) {
		p.pos++
	}
	return p.src[start:p.pos]
}

func isIdentByte(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isIdentByte(s[i]) {
			return false
		}
	}
	return s[0] < '0' || s[0] > '9'
}
