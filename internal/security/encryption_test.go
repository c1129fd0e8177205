package security

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveCacheKey(t *testing.T) {
	a := DeriveCacheKey("fingerprint-a")
	b := DeriveCacheKey("fingerprint-b")

	assert.Len(t, a, 32)
	assert.Equal(t, a, DeriveCacheKey("fingerprint-a"), "deterministic")
	assert.NotEqual(t, a, b)
	assert.Equal(t, sha("fingerprint-a"+cacheKeySalt), hexString(a))
}

func hexString(b []byte) string {
	const digits = "0123456789abcdef"
	var sb strings.Builder
	for _, c := range b {
		sb.WriteByte(digits[c>>4])
		sb.WriteByte(digits[c&0x0f])
	}
	return sb.String()
}

func TestCacheCipher_RoundTrip(t *testing.T) {
	c, err := NewCacheCipherForDevice("device")
	require.NoError(t, err)

	payloads := [][]byte{
		[]byte(`{"licenseKey":"GYM-AAAA-BBBB"}`),
		[]byte(""),
		bytes.Repeat([]byte{0xff, 0x00, ':'}, 4096),
	}

	for _, p := range payloads {
		blob, err := c.Seal(p)
		require.NoError(t, err)

		iv, ct, ok := strings.Cut(blob, ":")
		require.True(t, ok)
		assert.Len(t, iv, 24)
		assert.NotEmpty(t, ct)

		got, err := c.Open(blob)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(p, got))
	}
}

func TestCacheCipher_FreshIV(t *testing.T) {
	c, err := NewCacheCipherForDevice("device")
	require.NoError(t, err)

	a, _ := c.Seal([]byte("same"))
	b, _ := c.Seal([]byte("same"))
	assert.NotEqual(t, a, b)
}

func TestCacheCipher_OpenFailures(t *testing.T) {
	c, err := NewCacheCipherForDevice("device")
	require.NoError(t, err)
	good, err := c.Seal([]byte("secret"))
	require.NoError(t, err)

	other, err := NewCacheCipherForDevice("another-device")
	require.NoError(t, err)

	iv, ct, _ := strings.Cut(good, ":")
	flipped := []byte(ct)
	if flipped[0] == '0' {
		flipped[0] = '1'
	} else {
		flipped[0] = '0'
	}

	tests := []struct {
		name    string
		cipher  *CacheCipher
		blob    string
		wantErr error
	}{
		{name: "no delimiter", cipher: c, blob: iv + ct, wantErr: ErrMalformedBlob},
		{name: "empty", cipher: c, blob: "", wantErr: ErrMalformedBlob},
		{name: "bad hex iv", cipher: c, blob: "zz:" + ct, wantErr: ErrMalformedBlob},
		{name: "short iv", cipher: c, blob: "abcd:" + ct, wantErr: ErrMalformedBlob},
		{name: "bad hex body", cipher: c, blob: iv + ":xyz", wantErr: ErrMalformedBlob},
		{name: "truncated body", cipher: c, blob: iv + ":" + ct[:len(ct)-4], wantErr: ErrDecryptFailed},
		{name: "tampered body", cipher: c, blob: iv + ":" + string(flipped), wantErr: ErrDecryptFailed},
		{name: "wrong device key", cipher: other, blob: good, wantErr: ErrDecryptFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.cipher.Open(tt.blob)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestCacheCipher_Destroy(t *testing.T) {
	key := DeriveCacheKey("device")
	c, err := NewCacheCipher(key)
	require.NoError(t, err)

	c.Destroy()
	_, err = c.Seal([]byte("x"))
	assert.ErrorIs(t, err, ErrCipherDestroyed)
	_, err = c.Open("00:00")
	assert.ErrorIs(t, err, ErrMalformedBlob)
	assert.Equal(t, DeriveCacheKey("device"), key, "caller's key is not wiped")
}

func TestNewCacheCipher_KeyLength(t *testing.T) {
	_, err := NewCacheCipher(make([]byte, 16))
	assert.Error(t, err)
}
