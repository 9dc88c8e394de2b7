package loyalty

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode"
)

// DefaultCodePrefix marks discount codes issued by this service.
const DefaultCodePrefix = "PSKLTY"

const (
	customerSuffixLen = 4
	randomBytes       = 6
)

// CodeGenerator produces unpredictable redemption codes carrying a fixed prefix.
type CodeGenerator struct {
	prefix string
}

// NewCodeGenerator creates a generator. An empty prefix falls back to DefaultCodePrefix.
func NewCodeGenerator(prefix string) *CodeGenerator {
	prefix = strings.ToUpper(strings.TrimSpace(prefix))
	if prefix == "" {
		prefix = DefaultCodePrefix
	}
	return &CodeGenerator{prefix: prefix}
}

// Prefix returns the code prefix.
func (g *CodeGenerator) Prefix() string {
	return g.prefix
}

// Generate returns PREFIX + the last alphanumerics of customerID + random hex.
// cartToken is accepted for call-site symmetry with provisioning but does not
// influence the code.
func (g *CodeGenerator) Generate(customerID, cartToken string) (string, error) {
	buf := make([]byte, randomBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	return g.prefix + customerSuffix(customerID) + strings.ToUpper(hex.EncodeToString(buf)), nil
}

// HasPrefix reports whether code was plausibly issued by this generator.
func (g *CodeGenerator) HasPrefix(code string) bool {
	return strings.HasPrefix(strings.ToUpper(strings.TrimSpace(code)), g.prefix)
}

func customerSuffix(customerID string) string {
	var b strings.Builder
	for _, r := range customerID {
		if r < unicode.MaxASCII && (unicode.IsDigit(r) || unicode.IsLetter(r)) {
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	s := b.String()
	if len(s) > customerSuffixLen {
		s = s[len(s)-customerSuffixLen:]
	}
	return s
}
