package service

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAttachment(t *testing.T) {
	png := append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 16)...)
	pngB64 := base64.StdEncoding.EncodeToString(png)

	t.Run("empty", func(t *testing.T) {
		att, err := ParseAttachment("  ")
		require.NoError(t, err)
		assert.Nil(t, att)
	})

	t.Run("sniffed png", func(t *testing.T) {
		att, err := ParseAttachment(pngB64)
		require.NoError(t, err)
		assert.Equal(t, "image/png", att.MIMEType)
		assert.Equal(t, png, att.Data)
		assert.Equal(t, "data:image/png;base64,"+pngB64, att.DataURL())
	})

	t.Run("unknown bytes fall back to jpeg", func(t *testing.T) {
		raw := base64.StdEncoding.EncodeToString([]byte("plain bytes"))
		att, err := ParseAttachment(raw)
		require.NoError(t, err)
		assert.Equal(t, "image/jpeg", att.MIMEType)
		assert.Equal(t, "data:image/jpeg;base64,"+raw, att.DataURL())
	})

	t.Run("unpadded", func(t *testing.T) {
		att, err := ParseAttachment(base64.RawStdEncoding.EncodeToString([]byte("abcd")))
		require.NoError(t, err)
		assert.Equal(t, []byte("abcd"), att.Data)
	})

	t.Run("data url passes through", func(t *testing.T) {
		url := "data:image/webp;base64," + pngB64
		att, err := ParseAttachment(url)
		require.NoError(t, err)
		assert.Equal(t, "image/webp", att.MIMEType)
		assert.Equal(t, url, att.DataURL())
	})

	t.Run("invalid", func(t *testing.T) {
		for _, raw := range []string{"%%%", "data:image/png,notbase64", "data:image/png;base64,@@"} {
			_, err := ParseAttachment(raw)
			assert.ErrorIs(t, err, ErrInvalidAttachment, raw)
		}
	})
}
