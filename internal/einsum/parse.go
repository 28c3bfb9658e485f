package einsum

import (
	"go/ast"
	"go/parser"
	"strings"
	"unicode"

	"github.com/pkg/errors"
)

// The host parser is go/parser: the RHS is Go expression syntax after a
// small preprocessing pass (scalar interpolations become marker
// identifiers, index primes become a modifier letter). A[i,j] parses as
// an ast.IndexListExpr.

// scalarMarker prefixes identifiers produced from $x interpolations.
const scalarMarker = "__s_"

// prime is U+02B9 MODIFIER LETTER PRIME: a letter, so i' folds into a
// legal identifier, idempotently for repeated primes.
const prime = "ʹ"

type assignKind int

const (
	assignCreate     assignKind = iota // :=
	assignOverwrite                    // =
	assignAccumulate                   // +=
)

// splitEquation locates the top-level assignment operator by a depth-0
// scan that ignores comparison operators.
func splitEquation(eq string) (lhs string, kind assignKind, rhs string, err error) {
	depth := 0
	runes := []rune(eq)
	for i := 0; i < len(runes); i++ {
		switch runes[i] {
		case '[', '(':
			depth++
		case ']', ')':
			depth--
		case '=':
			if depth != 0 {
				continue
			}
			// Skip ==, <=, >=, != and the tail of a previous match.
			if i+1 < len(runes) && runes[i+1] == '=' {
				i++
				continue
			}
			if i > 0 {
				switch runes[i-1] {
				case '=', '<', '>', '!':
					continue
				case ':':
					return strings.TrimSpace(string(runes[:i-1])), assignCreate, strings.TrimSpace(string(runes[i+1:])), nil
				case '+':
					return strings.TrimSpace(string(runes[:i-1])), assignAccumulate, strings.TrimSpace(string(runes[i+1:])), nil
				}
			}
			return strings.TrimSpace(string(runes[:i])), assignOverwrite, strings.TrimSpace(string(runes[i+1:])), nil
		}
	}
	return "", 0, "", errors.Wrapf(ErrUnsupportedEquation, "no top-level := / = / += in %q", eq)
}

// preprocess rewrites the surface syntax into parseable Go: $x becomes
// a marker identifier and trailing primes fold into the index name.
func preprocess(src string) (string, error) {
	var b strings.Builder
	runes := []rune(src)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case r == '$':
			if i+1 >= len(runes) || !identStart(runes[i+1]) {
				return "", errors.Wrapf(ErrBadInterpolation, "$ must be followed by a name in %q", src)
			}
			b.WriteString(scalarMarker)
		case r == '\'':
			if i == 0 || !identPart(runes[i-1]) {
				return "", errors.Wrapf(ErrUnsupportedEquation, "stray ' in %q", src)
			}
			b.WriteString(prime)
		default:
			b.WriteRune(r)
		}
	}
	return b.String(), nil
}

func identStart(r rune) bool { return r == '_' || unicode.IsLetter(r) }
func identPart(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r) || strings.ContainsRune(prime, r)
}

// parseRHS delivers the raw syntactic tree of the right-hand side.
func parseRHS(src string) (ast.Expr, error) {
	pre, err := preprocess(src)
	if err != nil {
		return nil, err
	}
	node, err := parser.ParseExpr(pre)
	if err != nil {
		return nil, errors.Wrapf(ErrUnsupportedEquation, "right-hand side %q: %v", src, err)
	}
	return node, nil
}

// lhsIndex is one parsed LHS index position.
type lhsIndex struct {
	Sym    string // bare index symbol
	Lit    int    // literal pin, valid when IsLit
	IsLit  bool
	Scalar string // interpolated scalar pin ($x)
	Name   string // keyword axis label (name=i)
}

// parsedLHS is the classified left-hand side.
type parsedLHS struct {
	Array   string // "" for a bare-symbol (scalar reduction) LHS
	Scalar  string // the bare symbol, when Array is ""
	Index   []lhsIndex
	Unnamed bool // LHS was a bare [i,...] slot
}

// parseLHS classifies the left-hand side by hand: keyword axes
// (name=i) are not Go expressions, and the remaining forms are simple
// enough that a scan beats a grammar.
func parseLHS(src string) (parsedLHS, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return parsedLHS{}, errors.Wrap(ErrUnsupportedEquation, "empty left-hand side")
	}
	open := strings.IndexRune(src, '[')
	if open < 0 {
		// Bare symbol: scalar reduction.
		if !isIdent(src) {
			return parsedLHS{}, errors.Wrapf(ErrUnsupportedEquation, "left-hand side %q is not a name or an index expression", src)
		}
		return parsedLHS{Scalar: src}, nil
	}
	if !strings.HasSuffix(src, "]") {
		return parsedLHS{}, errors.Wrapf(ErrUnsupportedEquation, "left-hand side %q", src)
	}
	name := strings.TrimSpace(src[:open])
	if name != "" && !isIdent(name) {
		return parsedLHS{}, errors.Wrapf(ErrUnsupportedEquation, "left-hand side array %q is not a name", name)
	}
	out := parsedLHS{Array: name, Unnamed: name == ""}
	inner := src[open+1 : len(src)-1]
	if strings.TrimSpace(inner) == "" {
		return parsedLHS{}, errors.Wrapf(ErrUnsupportedEquation, "empty index list in %q", src)
	}
	for _, part := range strings.Split(inner, ",") {
		part = strings.TrimSpace(part)
		idx, err := parseLHSIndex(part)
		if err != nil {
			return parsedLHS{}, err
		}
		out.Index = append(out.Index, idx)
	}
	return out, nil
}

func parseLHSIndex(part string) (lhsIndex, error) {
	if name, rest, ok := strings.Cut(part, "="); ok {
		name = strings.TrimSpace(name)
		rest = strings.TrimSpace(rest)
		if !isIdent(name) || !isIdent(foldPrimes(rest)) {
			return lhsIndex{}, errors.Wrapf(ErrUnsupportedEquation, "keyword index %q wants name=index", part)
		}
		return lhsIndex{Sym: foldPrimes(rest), Name: name}, nil
	}
	if strings.HasPrefix(part, "$") {
		name := part[1:]
		if !isIdent(name) {
			return lhsIndex{}, errors.Wrapf(ErrBadInterpolation, "%q", part)
		}
		return lhsIndex{Scalar: name}, nil
	}
	if n, ok := parseInt(part); ok {
		return lhsIndex{Lit: n, IsLit: true}, nil
	}
	folded := foldPrimes(part)
	if !isIdent(folded) {
		return lhsIndex{}, errors.Wrapf(ErrUnsupportedEquation, "left index %q must be a symbol, an integer, or $scalar", part)
	}
	return lhsIndex{Sym: folded}, nil
}

func foldPrimes(s string) string {
	return strings.ReplaceAll(s, "'", prime)
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		if i == 0 && !identStart(r) {
			return false
		}
		if i > 0 && !identPart(r) {
			return false
		}
	}
	return true
}

func parseInt(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false
		}
		n = n*10 + int(r-'0')
	}
	return n, true
}
