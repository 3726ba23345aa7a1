// Package validators wraps the input checks shared by command validation
// at the aggregate boundary.
package validators

import (
	"github.com/asaskevich/govalidator"
)

// IsValidEmail reports whether the address is a well-formed email.
func IsValidEmail(email string) bool {
	return govalidator.IsEmail(email)
}

// IsValidAccountNumber reports whether the external account number looks
// plausible: numeric and between 4 and 17 digits.
func IsValidAccountNumber(number string) bool {
	if len(number) < 4 || len(number) > 17 {
		return false
	}
	return govalidator.IsNumeric(number)
}

// IsValidRoutingNumber runs the ABA checksum over a nine digit routing
// number.
func IsValidRoutingNumber(number string) bool {
	if len(number) != 9 || !govalidator.IsNumeric(number) {
		return false
	}
	sum := 0
	for i := 0; i < 9; i += 3 {
		sum += 3 * int(number[i]-'0')
		sum += 7 * int(number[i+1]-'0')
		sum += int(number[i+2] - '0')
	}
	return sum%10 == 0
}
