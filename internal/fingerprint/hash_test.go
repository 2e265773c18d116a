package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHexRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", []byte{}},
		{"ascii", []byte("TestShader@main()()(0)(0)(0)(ps_5_0)")},
		{"binary", []byte{0x00, 0xFF, 0x10, 0x7A, 0x00}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := Sum(tt.data)
			parsed, err := FromHexString(h.String())
			require.NoError(t, err)
			assert.Equal(t, h, parsed)
			assert.Len(t, h.String(), 32)
		})
	}
}

func TestFromHexStringRejectsWrongLength(t *testing.T) {
	_, err := FromHexString("abcd")
	assert.Error(t, err)
}

func TestFromBytesRejectsWrongLength(t *testing.T) {
	_, err := FromBytes([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestCompareTotalOrder(t *testing.T) {
	a := Sum([]byte("a"))
	b := Sum([]byte("b"))
	assert.NotEqual(t, a, b)
	// exactly one direction is non-zero and they are opposite in sign
	if a.Compare(b) < 0 {
		assert.Positive(t, b.Compare(a))
	} else {
		assert.Negative(t, b.Compare(a))
	}
	assert.Zero(t, a.Compare(a))
}

func TestScopeOffsetFindsHashStop(t *testing.T) {
	payload := []byte("program-body-hereHashStopproject=Foo")
	offset := ScopeOffset(payload, true)
	assert.Equal(t, len("program-body-here"), offset)
}

func TestScopeOffsetFallsBackWhenAbsent(t *testing.T) {
	payload := []byte("program-body-here")
	offset := ScopeOffset(payload, true)
	assert.Equal(t, len(payload), offset)
}

func TestScopeOffsetIgnoredForV1(t *testing.T) {
	payload := []byte("program-body-hereHashStoptail")
	offset := ScopeOffset(payload, false)
	assert.Equal(t, len(payload), offset)
}

func TestRequestFingerprintExcludesTail(t *testing.T) {
	withTail := []byte("bodyHashStopproject=A")
	withoutTail := []byte("bodyHashStopproject=B")
	assert.Equal(t, RequestFingerprint(withTail, true), RequestFingerprint(withoutTail, true))
}
