package voucher

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
)

const (
	DefaultCodeLength = 6
	MinCodeLength     = 4
	// MaxCodeLength keeps 10^length inside uint64.
	MaxCodeLength = 18
)

// Generator produces candidate voucher codes. The store handles collisions.
type Generator interface {
	Generate() (string, error)
}

// GeneratorFunc adapts a plain function to Generator.
type GeneratorFunc func() (string, error)

func (f GeneratorFunc) Generate() (string, error) { return f() }

// NumericGenerator draws fixed-length decimal codes from crypto/rand.
// Leading zeros are kept, so every code is exactly Length digits.
type NumericGenerator struct {
	Length int
}

func (g NumericGenerator) Generate() (string, error) {
	n, err := rand.Int(rand.Reader, new(big.Int).SetUint64(SpaceSize(g.Length)))
	if err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return fmt.Sprintf("%0*d", g.Length, n), nil
}

// SpaceSize returns the number of distinct codes of the given length.
func SpaceSize(length int) uint64 {
	size := uint64(1)
	for i := 0; i < length; i++ {
		size *= 10
	}
	return size
}

// Normalize strips the separators people type when copying a code from the
// kiosk screen: surrounding whitespace, inner spaces and dashes.
func Normalize(code string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r', '-':
			return -1
		}
		return r
	}, code)
}

// ValidFormat reports whether code is exactly length ASCII digits.
func ValidFormat(code string, length int) bool {
	if len(code) != length {
		return false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return false
		}
	}
	return true
}
