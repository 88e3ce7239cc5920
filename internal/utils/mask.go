package utils

import "unicode/utf8"

const (
	maskRunes  = 4
	maskFiller = "*****"
)

// MaskSecret keeps the first few characters of s so that two secrets can be
// told apart in `config show` output. Short secrets are masked entirely.
func MaskSecret(s string) string {
	if utf8.RuneCountInString(s) <= maskRunes {
		return maskFiller
	}
	end := 0
	for i := 0; i < maskRunes; i++ {
		_, size := utf8.DecodeRuneInString(s[end:])
		end += size
	}
	return s[:end] + maskFiller
}

// MaskSecrets masks every non-empty string in place.
func MaskSecrets(secrets ...*string) {
	for _, s := range secrets {
		if s != nil && *s != "" {
			*s = MaskSecret(*s)
		}
	}
}
