package emv

import "strings"

// SanitizePAN masks all but the last four digits of a PAN with X, after
// stripping separators and the F fill nibbles chip data pads PANs with.
// Inputs of four characters or fewer are returned unchanged.
func SanitizePAN(pan string) string {
	if len(pan) <= 4 {
		return pan
	}
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', 'F', 'f':
			return -1
		}
		return r
	}, pan)
	if len(cleaned) <= 4 {
		return cleaned
	}
	return strings.Repeat("X", len(cleaned)-4) + cleaned[len(cleaned)-4:]
}

// lastFour returns the trailing four characters of a PAN.
func lastFour(pan string) string {
	if len(pan) <= 4 {
		return pan
	}
	return pan[len(pan)-4:]
}
