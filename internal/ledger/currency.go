package ledger

import (
	"errors"
	"strings"
)

const currencyCodeLength = 40

var ErrInvalidTokenName = errors.New("token name must be 1-20 bytes")

// CurrencyCode derives the fixed-width 160-bit currency code for a token name:
// the uppercase hex of the name, right-padded with zeros to 40 characters.
func CurrencyCode(name string) (string, error) {
	if name == "" || len(name)*2 > currencyCodeLength {
		return "", ErrInvalidTokenName
	}
	code := ToHex(name)
	return code + strings.Repeat("0", currencyCodeLength-len(code)), nil
}
