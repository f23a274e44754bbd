package calldata

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/samber/lo"

	"github.com/laurentknauss/erc4337compliant-HelloWorld/pkg/erc4337/aaerr"
)

// Signature is a function name with its ordered parameter types, such as
// setGreeting(string).
type Signature struct {
	Name   string
	Inputs []string
}

// ParseSignature reads "name(type1,type2)". Parameter names are allowed and
// dropped ("setGreeting(string newGreeting)"). Tuple parameters are not
// supported.
func ParseSignature(s string) (Signature, error) {
	s = strings.TrimSpace(s)
	open := strings.IndexByte(s, '(')
	if open <= 0 || !strings.HasSuffix(s, ")") {
		return Signature{}, aaerr.Newf(aaerr.ErrEncoding, "malformed function signature %q", s)
	}

	name := strings.TrimSpace(s[:open])
	if !isIdentifier(name) {
		return Signature{}, aaerr.Newf(aaerr.ErrEncoding, "invalid function name %q", name)
	}

	inner := strings.TrimSpace(s[open+1 : len(s)-1])
	if strings.ContainsAny(inner, "()") {
		return Signature{}, aaerr.Newf(aaerr.ErrEncoding, "tuple parameters are not supported in %q", s)
	}

	sig := Signature{Name: name}
	if inner == "" {
		return sig, nil
	}

	for _, part := range strings.Split(inner, ",") {
		fields := strings.Fields(part)
		if len(fields) == 0 {
			return Signature{}, aaerr.Newf(aaerr.ErrEncoding, "empty parameter in %q", s)
		}
		sig.Inputs = append(sig.Inputs, canonicalType(fields[0]))
	}
	return sig, nil
}

// MustParseSignature panics if s is not a valid signature.
func MustParseSignature(s string) Signature {
	sig, err := ParseSignature(s)
	if err != nil {
		panic(err)
	}
	return sig
}

// String returns the canonical form the selector is derived from.
func (s Signature) String() string {
	return fmt.Sprintf("%s(%s)", s.Name, strings.Join(s.Inputs, ","))
}

// canonicalType expands the uint/int aliases, keeping any array suffix.
func canonicalType(t string) string {
	base, suffix := t, ""
	if i := strings.IndexByte(t, '['); i >= 0 {
		base, suffix = t[:i], t[i:]
	}
	switch base {
	case "uint", "int":
		base += "256"
	case "byte":
		base = "bytes1"
	}
	return base + suffix
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	return lo.EveryBy([]rune(s), func(r rune) bool {
		return r == '_' || r == '$' || unicode.IsLetter(r) || unicode.IsDigit(r)
	}) && !unicode.IsDigit([]rune(s)[0])
}
