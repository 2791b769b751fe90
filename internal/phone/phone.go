// Package phone validates recipient numbers against the Colombian mobile
// format the provider accepts: country code 57 followed by a mobile number
// starting with 3, twelve digits in total.
package phone

import "wasend/internal/util"

const (
	requiredLength = 12
	requiredPrefix = "573"
)

// ValidateCO strips non-digits and checks the Colombian mobile rule.
// The reason is empty when the number is valid.
func ValidateCO(number string) (bool, string) {
	digits := util.DigitsOnly(number)
	if len(digits) != requiredLength {
		return false, "must have 12 digits including country code 57"
	}
	if digits[:len(requiredPrefix)] != requiredPrefix {
		return false, "must start with 573"
	}
	return true, ""
}
