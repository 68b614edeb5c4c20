// Package expr compiles and evaluates the boolean entry and exit rules of a strategy.
//
// The language is deliberately small: numeric operands (numbers, indicator columns,
// OHLCV fields and scalar parameters) combined with + - * /, compared with
// > < >= <= ==, and joined with & | ~. The functions crossover, crossunder, above
// and below cover the common time-series predicates.
package expr

import (
	"fmt"
	"strconv"
	"unicode"

	"github.com/saltfish/stratlab/go-backend/internal/domain"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokIdent
	tokLParen
	tokRParen
	tokComma
	tokAssign
	tokCompare
	tokAnd
	tokOr
	tokNot
	tokPlus
	tokMinus
	tokStar
	tokSlash
)

type token struct {
	kind tokenKind
	text string
	num  float64
	pos  int
}

func lex(src string) ([]token, error) {
	var toks []token
	rs := []rune(src)
	i := 0
	for i < len(rs) {
		r := rs[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case unicode.IsDigit(r) || (r == '.' && i+1 < len(rs) && unicode.IsDigit(rs[i+1])):
			start := i
			for i < len(rs) && (unicode.IsDigit(rs[i]) || rs[i] == '.') {
				i++
			}
			if i < len(rs) && (rs[i] == 'e' || rs[i] == 'E') {
				j := i + 1
				if j < len(rs) && (rs[j] == '+' || rs[j] == '-') {
					j++
				}
				if j < len(rs) && unicode.IsDigit(rs[j]) {
					i = j
					for i < len(rs) && unicode.IsDigit(rs[i]) {
						i++
					}
				}
			}
			text := string(rs[start:i])
			v, err := strconv.ParseFloat(text, 64)
			if err != nil {
				return nil, domain.SyntaxError{Expr: src, Pos: start, Message: fmt.Sprintf("bad number %q", text)}
			}
			toks = append(toks, token{kind: tokNumber, text: text, num: v, pos: start})
		case unicode.IsLetter(r) || r == '_':
			start := i
			for i < len(rs) && (unicode.IsLetter(rs[i]) || unicode.IsDigit(rs[i]) || rs[i] == '_' || rs[i] == '.') {
				i++
			}
			toks = append(toks, token{kind: tokIdent, text: string(rs[start:i]), pos: start})
		default:
			tok, width, err := lexOperator(src, rs, i)
			if err != nil {
				return nil, err
			}
			toks = append(toks, tok)
			i += width
		}
	}
	toks = append(toks, token{kind: tokEOF, pos: len(rs)})
	return toks, nil
}

func lexOperator(src string, rs []rune, i int) (token, int, error) {
	next := rune(0)
	if i+1 < len(rs) {
		next = rs[i+1]
	}
	switch rs[i] {
	case '(':
		return token{kind: tokLParen, text: "(", pos: i}, 1, nil
	case ')':
		return token{kind: tokRParen, text: ")", pos: i}, 1, nil
	case ',':
		return token{kind: tokComma, text: ",", pos: i}, 1, nil
	case '+':
		return token{kind: tokPlus, text: "+", pos: i}, 1, nil
	case '-':
		return token{kind: tokMinus, text: "-", pos: i}, 1, nil
	case '*':
		return token{kind: tokStar, text: "*", pos: i}, 1, nil
	case '/':
		return token{kind: tokSlash, text: "/", pos: i}, 1, nil
	case '~':
		return token{kind: tokNot, text: "~", pos: i}, 1, nil
	case '&':
		if next == '&' {
			return token{kind: tokAnd, text: "&", pos: i}, 2, nil
		}
		return token{kind: tokAnd, text: "&", pos: i}, 1, nil
	case '|':
		if next == '|' {
			return token{kind: tokOr, text: "|", pos: i}, 2, nil
		}
		return token{kind: tokOr, text: "|", pos: i}, 1, nil
	case '>', '<':
		if next == '=' {
			return token{kind: tokCompare, text: string(rs[i]) + "=", pos: i}, 2, nil
		}
		return token{kind: tokCompare, text: string(rs[i]), pos: i}, 1, nil
	case '=':
		if next == '=' {
			return token{kind: tokCompare, text: "==", pos: i}, 2, nil
		}
		return token{kind: tokAssign, text: "=", pos: i}, 1, nil
	}
	return token{}, 0, domain.SyntaxError{Expr: src, Pos: i, Message: fmt.Sprintf("unexpected character %q", rs[i])}
}
