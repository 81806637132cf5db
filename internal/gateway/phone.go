package gateway

import (
	"regexp"

	"paygate/pkg/errors"
)

var (
	nonDigits   = regexp.MustCompile(`\D`)
	intlMSISDN  = regexp.MustCompile(`^254\d{9}$`)
	localMSISDN = regexp.MustCompile(`^0[17]\d{8}$`)
)

// NormalizePhone turns a Kenyan mobile number into the 254XXXXXXXXX form
// the provider expects. Separators are ignored; anything that is neither
// 254 plus nine digits nor a local 07/01 number is errors.ErrInvalidPhone.
func NormalizePhone(raw string) (string, error) {
	digits := nonDigits.ReplaceAllString(raw, "")
	switch {
	case intlMSISDN.MatchString(digits):
		return digits, nil
	case localMSISDN.MatchString(digits):
		return "254" + digits[1:], nil
	default:
		return "", errors.ErrInvalidPhone
	}
}
