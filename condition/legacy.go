package condition

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/studio-ai/studio/workflow"
)

// The legacy expression grammar, after template substitution:
//
//	or    := and ( '||' and )*
//	and   := unary ( '&&' unary )*
//	unary := '!' unary | cmp
//	cmp   := primary ( cmpOp primary )?
//	cmpOp := '===' | '!==' | '==' | '!=' | '<=' | '>=' | '<' | '>'
//	primary := string | number | 'true' | 'false' | '(' or ')'
//
// String literals use single or double quotes. Bare identifiers and any
// other token are rejected rather than coerced; a rejected expression
// evaluates to false with the parse error in the trace.

// evalLegacy substitutes templates into the expression and evaluates the
// resulting boolean expression over literals.
func evalLegacy(expr string, outputs map[string]string, tc workflow.TemplateContext) Result {
	resolved := substituteQuoted(expr, outputs, tc)

	p := &exprParser{input: resolved}
	val, err := p.parse()
	trace := RuleTrace{
		Rule: expr,
		Left: resolved,
	}
	if err != nil {
		trace.Error = err.Error()
		return Result{Value: false, Trace: []RuleTrace{trace}}
	}
	trace.Matched = val
	return Result{Value: val, Trace: []RuleTrace{trace}}
}

// substituteQuoted resolves template references, quoting substituted values
// that are not already inside a string literal so that agent output like
// `ok` becomes the literal "ok" rather than a bare identifier. References
// inside quotes are substituted textually.
func substituteQuoted(expr string, outputs map[string]string, tc workflow.TemplateContext) string {
	var b strings.Builder
	b.Grow(len(expr))

	var quote rune // active string delimiter, 0 when outside literals
	for i := 0; i < len(expr); {
		ch := rune(expr[i])

		if quote != 0 {
			b.WriteByte(expr[i])
			if ch == quote {
				quote = 0
			}
			i++
			continue
		}
		if ch == '\'' || ch == '"' {
			quote = ch
			b.WriteByte(expr[i])
			i++
			continue
		}
		if ch != '{' {
			b.WriteByte(expr[i])
			i++
			continue
		}

		end := strings.IndexByte(expr[i:], '}')
		if end < 0 {
			b.WriteString(expr[i:])
			break
		}
		end += i
		ref := expr[i : end+1]
		resolved := workflow.ResolveTemplate(ref, outputs, tc)
		if resolved == ref {
			// Unknown reference: keep literal; the parser will
			// reject it, which is the documented behavior.
			b.WriteString(ref)
		} else if isNumericLiteral(resolved) || resolved == "true" || resolved == "false" {
			b.WriteString(resolved)
		} else {
			b.WriteByte('"')
			b.WriteString(strings.ReplaceAll(resolved, `"`, `\"`))
			b.WriteByte('"')
		}
		i = end + 1
	}
	return b.String()
}

func isNumericLiteral(s string) bool {
	if s == "" {
		return false
	}
	_, err := strconv.ParseFloat(s, 64)
	return err == nil
}

// exprValue is a literal operand: a string, number, or boolean.
type exprValue struct {
	kind byte // 's', 'n', 'b'
	s    string
	n    float64
	b    bool
}

func (v exprValue) String() string {
	switch v.kind {
	case 's':
		return strconv.Quote(v.s)
	case 'n':
		return strconv.FormatFloat(v.n, 'g', -1, 64)
	default:
		return strconv.FormatBool(v.b)
	}
}

// truthy follows the restricted semantics: booleans are themselves, numbers
// are true when nonzero, strings when non-empty.
func (v exprValue) truthy() bool {
	switch v.kind {
	case 's':
		return v.s != ""
	case 'n':
		return v.n != 0
	default:
		return v.b
	}
}

type exprParser struct {
	input string
	pos   int
}

func (p *exprParser) parse() (bool, error) {
	val, err := p.parseOr()
	if err != nil {
		return false, err
	}
	p.skipSpace()
	if p.pos < len(p.input) {
		return false, fmt.Errorf("unexpected token at %q", p.input[p.pos:])
	}
	return val.truthy(), nil
}

func (p *exprParser) parseOr() (exprValue, error) {
	left, err := p.parseAnd()
	if err != nil {
		return exprValue{}, err
	}
	for p.consumeOp("||") {
		right, err := p.parseAnd()
		if err != nil {
			return exprValue{}, err
		}
		left = exprValue{kind: 'b', b: left.truthy() || right.truthy()}
	}
	return left, nil
}

func (p *exprParser) parseAnd() (exprValue, error) {
	left, err := p.parseUnary()
	if err != nil {
		return exprValue{}, err
	}
	for p.consumeOp("&&") {
		right, err := p.parseUnary()
		if err != nil {
			return exprValue{}, err
		}
		left = exprValue{kind: 'b', b: left.truthy() && right.truthy()}
	}
	return left, nil
}

func (p *exprParser) parseUnary() (exprValue, error) {
	p.skipSpace()
	// '!' negates, but '!==' and '!=' belong to comparison.
	if p.pos < len(p.input) && p.input[p.pos] == '!' && !strings.HasPrefix(p.input[p.pos:], "!=") {
		p.pos++
		val, err := p.parseUnary()
		if err != nil {
			return exprValue{}, err
		}
		return exprValue{kind: 'b', b: !val.truthy()}, nil
	}
	return p.parseComparison()
}

// comparison operators in match order: longest first.
var cmpOps = []string{"===", "!==", "==", "!=", "<=", ">=", "<", ">"}

func (p *exprParser) parseComparison() (exprValue, error) {
	left, err := p.parsePrimary()
	if err != nil {
		return exprValue{}, err
	}
	p.skipSpace()
	for _, op := range cmpOps {
		if p.consumeOp(op) {
			right, err := p.parsePrimary()
			if err != nil {
				return exprValue{}, err
			}
			return exprValue{kind: 'b', b: compare(op, left, right)}, nil
		}
	}
	return left, nil
}

func (p *exprParser) parsePrimary() (exprValue, error) {
	p.skipSpace()
	if p.pos >= len(p.input) {
		return exprValue{}, fmt.Errorf("unexpected end of expression")
	}

	ch := p.input[p.pos]
	switch {
	case ch == '(':
		p.pos++
		val, err := p.parseOr()
		if err != nil {
			return exprValue{}, err
		}
		p.skipSpace()
		if p.pos >= len(p.input) || p.input[p.pos] != ')' {
			return exprValue{}, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return val, nil

	case ch == '\'' || ch == '"':
		return p.parseString(ch)

	case ch >= '0' && ch <= '9', ch == '-' && p.pos+1 < len(p.input) && p.input[p.pos+1] >= '0' && p.input[p.pos+1] <= '9':
		return p.parseNumber()

	default:
		if p.consumeWord("true") {
			return exprValue{kind: 'b', b: true}, nil
		}
		if p.consumeWord("false") {
			return exprValue{kind: 'b', b: false}, nil
		}
		rest := p.input[p.pos:]
		if len(rest) > 20 {
			rest = rest[:20]
		}
		return exprValue{}, fmt.Errorf("unexpected token at %q", rest)
	}
}

func (p *exprParser) parseString(quote byte) (exprValue, error) {
	p.pos++ // opening quote
	var b strings.Builder
	for p.pos < len(p.input) {
		ch := p.input[p.pos]
		if ch == '\\' && p.pos+1 < len(p.input) {
			b.WriteByte(p.input[p.pos+1])
			p.pos += 2
			continue
		}
		if ch == quote {
			p.pos++
			return exprValue{kind: 's', s: b.String()}, nil
		}
		b.WriteByte(ch)
		p.pos++
	}
	return exprValue{}, fmt.Errorf("unterminated string literal")
}

func (p *exprParser) parseNumber() (exprValue, error) {
	start := p.pos
	if p.input[p.pos] == '-' {
		p.pos++
	}
	for p.pos < len(p.input) && (isDigit(p.input[p.pos]) || p.input[p.pos] == '.') {
		p.pos++
	}
	n, err := strconv.ParseFloat(p.input[start:p.pos], 64)
	if err != nil {
		return exprValue{}, fmt.Errorf("invalid number %q", p.input[start:p.pos])
	}
	return exprValue{kind: 'n', n: n}, nil
}

func (p *exprParser) skipSpace() {
	for p.pos < len(p.input) && unicode.IsSpace(rune(p.input[p.pos])) {
		p.pos++
	}
}

func (p *exprParser) consumeOp(op string) bool {
	p.skipSpace()
	if strings.HasPrefix(p.input[p.pos:], op) {
		// Don't let "==" consume the prefix of "===".
		if op == "==" && strings.HasPrefix(p.input[p.pos:], "===") {
			return false
		}
		if op == "!=" && strings.HasPrefix(p.input[p.pos:], "!==") {
			return false
		}
		p.pos += len(op)
		return true
	}
	return false
}

func (p *exprParser) consumeWord(word string) bool {
	if !strings.HasPrefix(p.input[p.pos:], word) {
		return false
	}
	end := p.pos + len(word)
	if end < len(p.input) {
		next := rune(p.input[end])
		if unicode.IsLetter(next) || unicode.IsDigit(next) || next == '_' {
			return false
		}
	}
	p.pos = end
	return true
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

// compare applies a comparison operator to two literal operands. Strict and
// loose equality coincide here because both operands are already literals;
// mismatched types are simply unequal.
func compare(op string, left, right exprValue) bool {
	switch op {
	case "===", "==":
		return literalEqual(left, right)
	case "!==", "!=":
		return !literalEqual(left, right)
	}

	// Ordering: numeric when both sides are numbers, lexicographic when
	// both are strings, false otherwise.
	switch {
	case left.kind == 'n' && right.kind == 'n':
		switch op {
		case "<":
			return left.n < right.n
		case "<=":
			return left.n <= right.n
		case ">":
			return left.n > right.n
		case ">=":
			return left.n >= right.n
		}
	case left.kind == 's' && right.kind == 's':
		switch op {
		case "<":
			return left.s < right.s
		case "<=":
			return left.s <= right.s
		case ">":
			return left.s > right.s
		case ">=":
			return left.s >= right.s
		}
	}
	return false
}

func literalEqual(left, right exprValue) bool {
	if left.kind != right.kind {
		return false
	}
	switch left.kind {
	case 's':
		return left.s == right.s
	case 'n':
		return left.n == right.n
	default:
		return left.b == right.b
	}
}
