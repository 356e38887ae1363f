package util

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestOnlyDigits(t *testing.T) {
	assert.Equal(t, "12345678000199", OnlyDigits("12.345.678/0001-99"))
	assert.Equal(t, "", OnlyDigits("abc"))
	assert.Equal(t, "1401", OnlyDigits(" 14.01 "))
}

func TestPadLeftZeros(t *testing.T) {
	assert.Equal(t, "01401", PadLeftZeros("1401", 5))
	assert.Equal(t, "1401", PadLeftZeros("1401", 4))
	assert.Equal(t, "1401", PadLeftZeros("1401", 3), "longer than width stays unchanged")
}

func TestPadRightSpaces(t *testing.T) {
	assert.Equal(t, "A    ", PadRightSpaces("A", 5))
	assert.Equal(t, "ABCDE", PadRightSpaces("ABCDE", 5))
}

func TestCents(t *testing.T) {
	v := decimal.RequireFromString("100.00")
	assert.Equal(t, "000000000010000", Cents(v, 15))

	v = decimal.RequireFromString("0.01")
	assert.Equal(t, "000000000000001", Cents(v, 15))
}

func TestAmountAndQuantity(t *testing.T) {
	assert.Equal(t, "100.00", Amount(decimal.RequireFromString("100")))
	assert.Equal(t, "2.0000", Quantity(decimal.NewFromInt(2)))
}

func TestFoldASCII(t *testing.T) {
	assert.Equal(t, "Joao da Silva Ltda", FoldASCII("João da Silva Ltda"))
	assert.Equal(t, "Acucar", FoldASCII("Açúcar"))
	assert.Equal(t, "plain", FoldASCII("plain"))
}

func TestSignificantDigits(t *testing.T) {
	assert.Equal(t, 4, SignificantDigits("01401"))
	assert.Equal(t, 0, SignificantDigits("0000"))
	assert.Equal(t, 1, SignificantDigits("0001"))
}
