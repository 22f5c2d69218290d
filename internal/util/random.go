// Package util provides small helpers shared across CarePipe components.
package util

import (
	"math/rand/v2"
	"strings"
)

// GenerateRandomID generates a random ID in the format "{prefix}{hex_string}".
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex generates a random hexadecimal string of the specified length.
// Not suitable for secrets.
func GenerateRandomHex(length int) string {
	if length <= 0 {
		return ""
	}

	const hexChars = "0123456789abcdef"
	var builder strings.Builder
	builder.Grow(length)
	for i := 0; i < length; i++ {
		builder.WriteByte(hexChars[rand.IntN(16)])
	}
	return builder.String()
}

// GenerateHabitID generates a habit record ID with "h_" prefix.
func GenerateHabitID() string {
	return GenerateRandomID("h_", 24)
}

// GenerateAlertID generates a crisis alert outbox ID with "a_" prefix.
func GenerateAlertID() string {
	return GenerateRandomID("a_", 24)
}
