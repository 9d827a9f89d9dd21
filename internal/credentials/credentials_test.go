package credentials

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBox_SealOpen(t *testing.T) {
	box, err := New("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)

	t.Run("加密后可以解密回原文", func(t *testing.T) {
		plaintext := []byte(`{"refreshToken":"sometoken"}`)
		sealed, err := box.Seal(plaintext)
		require.NoError(t, err)
		assert.NotEqual(t, plaintext, sealed)

		opened, err := box.Open(sealed)
		require.NoError(t, err)
		assert.Equal(t, plaintext, opened)
	})

	t.Run("相同明文两次加密产生不同密文", func(t *testing.T) {
		a, err := box.Seal([]byte("secret"))
		require.NoError(t, err)
		b, err := box.Seal([]byte("secret"))
		require.NoError(t, err)
		assert.NotEqual(t, a, b)
	})

	t.Run("篡改密文导致解密失败", func(t *testing.T) {
		sealed, err := box.Seal([]byte("secret"))
		require.NoError(t, err)
		sealed[len(sealed)-1] ^= 0xff

		_, err = box.Open(sealed)
		assert.ErrorIs(t, err, ErrDecryptFailed)
	})

	t.Run("密钥不匹配解密失败", func(t *testing.T) {
		other, err := New("another-secret-another-secret!!!")
		require.NoError(t, err)

		sealed, err := box.Seal([]byte("secret"))
		require.NoError(t, err)
		_, err = other.Open(sealed)
		assert.ErrorIs(t, err, ErrDecryptFailed)
	})

	t.Run("过短密文直接判为损坏", func(t *testing.T) {
		_, err := box.Open([]byte("short"))
		assert.ErrorIs(t, err, ErrDecryptFailed)
	})
}

func TestNew_SecretTooShort(t *testing.T) {
	_, err := New("short")
	assert.Error(t, err)
}
