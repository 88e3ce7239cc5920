package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskSecret(t *testing.T) {
	assert.Equal(t, "*****", MaskSecret("abc"))
	assert.Equal(t, "*****", MaskSecret("abcd"))
	assert.Equal(t, "hunt*****", MaskSecret("hunter22"))
	assert.Equal(t, "päss*****", MaskSecret("pässwort"))
}

func TestMaskSecrets(t *testing.T) {
	password, empty := "correct-horse", ""
	MaskSecrets(&password, &empty, nil)
	assert.Equal(t, "corr*****", password)
	assert.Empty(t, empty)
}
