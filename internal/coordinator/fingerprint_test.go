package coordinator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFingerprintIsStableAcrossMapKeyOrder(t *testing.T) {
	a := Fingerprint("sse", map[string]interface{}{"stream": "https://x/s", "format": "json"})
	b := Fingerprint("sse", map[string]interface{}{"format": "json", "stream": "https://x/s"})
	assert.Equal(t, a, b)
}

func TestFingerprintDiffersByIdentityOrArgs(t *testing.T) {
	base := Fingerprint("limit", 3)
	assert.NotEqual(t, base, Fingerprint("limit", 4))
	assert.NotEqual(t, base, Fingerprint("schedule", 3))
}

func TestFingerprintIsReadableNotAHash(t *testing.T) {
	key := Fingerprint("sse", map[string]interface{}{"stream": "https://x/s"})
	assert.Contains(t, key, "sse")
	assert.Contains(t, key, "https://x/s")
}

func TestFingerprintHandlesNilArgs(t *testing.T) {
	assert.Equal(t, `schedule:null`, Fingerprint("schedule", nil))
}
