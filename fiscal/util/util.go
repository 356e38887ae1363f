package util

import (
	"os"
	"strconv"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var logger = logrus.WithField("component", "fiscal.util")

func DebugEnabled() bool {
	return etb("FISCAL_DEBUG")
}

func HttpTraceEnabled() bool {
	return etb("FISCAL_HTTP_TRACE")
}

func etb(envName string) bool {
	v, ok := os.LookupEnv(envName)
	if !ok {
		return false
	}

	bv, err := strconv.ParseBool(v)

	return err == nil && bv
}

func GetEnvOrFailed(key string) string {
	v, ok := os.LookupEnv(key)
	if !ok {
		logger.Fatal(key, " environment variable is not set")
	}
	return v
}

func GetEnvOrDefault(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

// OnlyDigits strips everything but ASCII digits. Tax IDs and classification
// codes arrive formatted ("12.345.678/0001-99") and must be transmitted bare.
func OnlyDigits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// PadLeftZeros left-pads s with '0' to width. Values longer than width are
// returned unchanged; callers validate length separately.
func PadLeftZeros(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return strings.Repeat("0", width-len(s)) + s
}

// PadRightSpaces right-pads s with ' ' to width.
func PadRightSpaces(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return s + strings.Repeat(" ", width-len(s))
}

// Cents renders a monetary value as an integer number of cents, zero-padded
// to width. Used by the fixed-width signature string where 100.00 must
// become "000000000010000".
func Cents(v decimal.Decimal, width int) string {
	cents := v.Mul(decimal.NewFromInt(100)).Round(0)
	return PadLeftZeros(cents.String(), width)
}

// Amount renders a monetary value with exactly two decimal places, the
// format both authorities expect in XML fields.
func Amount(v decimal.Decimal) string {
	return v.StringFixed(2)
}

// Quantity renders a quantity with up to four decimal places, trailing
// zeros kept, per the goods-invoice layout.
func Quantity(v decimal.Decimal) string {
	return v.StringFixed(4)
}

// FoldASCII removes diacritics and non-ASCII runes. The authorities reject
// or mangle accented characters in several free-text fields, so names and
// descriptions are folded before they enter a payload.
func FoldASCII(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		logger.WithError(err).Warn("diacritic folding failed, keeping original text")
		return s
	}
	var b strings.Builder
	b.Grow(len(out))
	for _, r := range out {
		if r < 128 {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// SignificantDigits counts digits after stripping leading zeros.
func SignificantDigits(s string) int {
	return len(strings.TrimLeft(OnlyDigits(s), "0"))
}
