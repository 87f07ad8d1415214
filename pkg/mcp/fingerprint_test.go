package mcp

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustFingerprint(t *testing.T, raw string) string {
	t.Helper()
	fp, err := Fingerprint(json.RawMessage(raw))
	require.NoError(t, err)
	return fp
}

func TestFingerprintIgnoresKeyOrderAndWhitespace(t *testing.T) {
	a := mustFingerprint(t, `{"city":"Oslo","unit":"celsius"}`)
	b := mustFingerprint(t, `{ "unit" : "celsius", "city" : "Oslo" }`)
	assert.Equal(t, a, b)
}

func TestFingerprintSortsNestedObjects(t *testing.T) {
	a := mustFingerprint(t, `{"outer":{"x":1,"y":2},"list":[{"b":2,"a":1}]}`)
	b := mustFingerprint(t, `{"list":[{"a":1,"b":2}],"outer":{"y":2,"x":1}}`)
	assert.Equal(t, a, b)
}

func TestFingerprintDistinguishesValues(t *testing.T) {
	assert.NotEqual(t,
		mustFingerprint(t, `{"n":1}`),
		mustFingerprint(t, `{"n":2}`))

	// Numbers pass through verbatim: 1 and 1.0 are different requests.
	assert.NotEqual(t,
		mustFingerprint(t, `{"n":1}`),
		mustFingerprint(t, `{"n":1.0}`))

	// Array order matters.
	assert.NotEqual(t,
		mustFingerprint(t, `{"a":[1,2]}`),
		mustFingerprint(t, `{"a":[2,1]}`))
}

func TestFingerprintRejectsInvalidJSON(t *testing.T) {
	_, err := Fingerprint(json.RawMessage(`{"broken":`))
	require.Error(t, err)
}
