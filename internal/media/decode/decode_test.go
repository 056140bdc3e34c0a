package decode

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/chai2010/webp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/navi-crwn/pixelhop-sub000/internal/media/sniffer"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	img.Set(0, 0, color.NRGBA{G: 200, A: 128})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestDecodePNG(t *testing.T) {
	data := pngBytes(t, 40, 30)

	for _, declared := range []string{"", "image/png", "application/octet-stream", "IMAGE/PNG"} {
		img, err := Decode(data, declared)
		require.NoError(t, err, declared)
		assert.Equal(t, sniffer.TypePNG, img.Format)
		assert.Equal(t, "image/png", img.MIME)
		assert.Equal(t, 40, img.Width)
		assert.Equal(t, 30, img.Height)
		assert.Equal(t, data, img.Data)
		assert.Equal(t, "png", img.Extension())
	}
}

func TestDecodeWebP(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 16, 8))
	var buf bytes.Buffer
	require.NoError(t, webp.Encode(&buf, src, &webp.Options{Lossless: true}))

	img, err := Decode(buf.Bytes(), "image/webp")
	require.NoError(t, err)
	assert.Equal(t, sniffer.TypeWEBP, img.Format)
	assert.Equal(t, 16, img.Width)
	assert.Equal(t, 8, img.Height)
}

func TestDecodeRejects(t *testing.T) {
	data := pngBytes(t, 10, 10)

	cases := []struct {
		name     string
		data     []byte
		declared string
		want     error
	}{
		{"empty", nil, "", ErrInvalidImage},
		{"text", []byte("hello world"), "image/png", ErrInvalidImage},
		{"truncated", data[:len(data)/2], "image/png", ErrInvalidImage},
		{"mismatch", data, "image/jpeg", ErrMIMEMismatch},
		{"svg", []byte(`<svg xmlns="http://www.w3.org/2000/svg"></svg>`), "", ErrUnsupportedFormat},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.data, tc.declared)
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.want)
			assert.ErrorIs(t, err, ErrInvalidImage)
		})
	}
}
