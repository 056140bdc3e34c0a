package derivative

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/navi-crwn/pixelhop-sub000/internal/media/decode"
	"github.com/navi-crwn/pixelhop-sub000/internal/models"
)

func TestFit(t *testing.T) {
	cases := []struct {
		srcW, srcH, maxW, maxH int
		wantW, wantH           int
	}{
		{4000, 3000, 1200, 1200, 1200, 900},
		{4000, 3000, 150, 150, 150, 113},
		{3000, 4000, 150, 150, 113, 150},
		{100, 80, 150, 150, 100, 80},
		{150, 150, 150, 150, 150, 150},
		{1000, 500, 0, 100, 200, 100},
		{10000, 1, 150, 150, 150, 1},
		{151, 150, 150, 150, 150, 149},
	}
	for _, tc := range cases {
		w, h := Fit(tc.srcW, tc.srcH, tc.maxW, tc.maxH)
		assert.Equal(t, tc.wantW, w, "%+v", tc)
		assert.Equal(t, tc.wantH, h, "%+v", tc)
		assert.LessOrEqual(t, w, tc.srcW)
		assert.LessOrEqual(t, h, tc.srcH)
	}
}

func decodeBytes(t *testing.T, data []byte) decode.Image {
	t.Helper()
	img, err := decode.Decode(data, "")
	require.NoError(t, err)
	return img
}

func jpegSource(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = uint8(i % 251)
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 60}))
	return buf.Bytes()
}

func transparentPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	// left half opaque blue, right half fully transparent
	for y := 0; y < h; y++ {
		for x := 0; x < w/2; x++ {
			img.Set(x, y, color.NRGBA{B: 255, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestGenerateScenario(t *testing.T) {
	data := jpegSource(t, 4000, 3000)
	src := decodeBytes(t, data)

	profiles := []models.DerivativeProfile{
		{Name: models.OriginalProfile},
		{Name: "large", MaxWidth: 1200, MaxHeight: 1200, Quality: 85},
		{Name: "thumb", MaxWidth: 150, MaxHeight: 150, Quality: 85},
	}
	outs, err := NewGenerator().Generate(src, profiles)
	require.NoError(t, err)
	require.Len(t, outs, 3)

	assert.Equal(t, "original", outs[0].Profile)
	assert.Equal(t, data, outs[0].Data)
	assert.Equal(t, [2]int{4000, 3000}, [2]int{outs[0].Width, outs[0].Height})

	assert.Equal(t, "large", outs[1].Profile)
	assert.Equal(t, [2]int{1200, 900}, [2]int{outs[1].Width, outs[1].Height})

	assert.Equal(t, "thumb", outs[2].Profile)
	assert.Equal(t, [2]int{150, 113}, [2]int{outs[2].Width, outs[2].Height})

	for _, out := range outs[1:] {
		assert.Equal(t, "image/jpeg", out.ContentType)
		assert.Equal(t, "jpg", out.Extension)
		cfg, err := jpeg.DecodeConfig(bytes.NewReader(out.Data))
		require.NoError(t, err)
		assert.Equal(t, out.Width, cfg.Width)
		assert.Equal(t, out.Height, cfg.Height)
	}
}

func TestGenerateNeverUpscales(t *testing.T) {
	src := decodeBytes(t, transparentPNG(t, 100, 80))

	outs, err := NewGenerator().Generate(src, []models.DerivativeProfile{
		{Name: "large", MaxWidth: 1200, MaxHeight: 1200},
		{Name: "thumb", MaxWidth: 150, MaxHeight: 150},
	})
	require.NoError(t, err)
	for _, out := range outs {
		assert.Equal(t, 100, out.Width)
		assert.Equal(t, 80, out.Height)
	}
}

func TestGeneratePreservesAlpha(t *testing.T) {
	src := decodeBytes(t, transparentPNG(t, 400, 200))

	outs, err := NewGenerator().Generate(src, []models.DerivativeProfile{
		{Name: "medium", MaxWidth: 200, MaxHeight: 200},
		{Name: "anim", MaxWidth: 200, MaxHeight: 200, Format: "gif"},
	})
	require.NoError(t, err)

	for _, out := range outs {
		img, _, err := image.Decode(bytes.NewReader(out.Data))
		require.NoError(t, err, out.Profile)
		assert.Equal(t, 200, img.Bounds().Dx())
		_, _, _, a := img.At(190, 50).RGBA()
		assert.Zero(t, a, "%s right half should stay transparent", out.Profile)
		_, _, _, a = img.At(10, 50).RGBA()
		assert.NotZero(t, a, "%s left half should stay opaque", out.Profile)
	}
}

func TestGenerateFlattensForJPEG(t *testing.T) {
	src := decodeBytes(t, transparentPNG(t, 40, 40))

	outs, err := NewGenerator().Generate(src, []models.DerivativeProfile{
		{Name: "flat", MaxWidth: 40, MaxHeight: 40, Format: "jpeg", Background: "#ff0000", Quality: 95},
	})
	require.NoError(t, err)
	require.Len(t, outs, 1)
	assert.Equal(t, "image/jpeg", outs[0].ContentType)

	img, err := jpeg.Decode(bytes.NewReader(outs[0].Data))
	require.NoError(t, err)
	r, g, b, _ := img.At(35, 20).RGBA()
	assert.Greater(t, r>>8, uint32(200))
	assert.Less(t, g>>8, uint32(60))
	assert.Less(t, b>>8, uint32(60))
}

func TestGenerateWebP(t *testing.T) {
	src := decodeBytes(t, transparentPNG(t, 300, 100))

	outs, err := NewGenerator().Generate(src, []models.DerivativeProfile{
		{Name: "web", MaxWidth: 150, MaxHeight: 150, Format: "webp", Quality: 80},
	})
	require.NoError(t, err)
	assert.Equal(t, "image/webp", outs[0].ContentType)
	assert.Equal(t, "webp", outs[0].Extension)
	assert.Equal(t, 150, outs[0].Width)
	assert.Equal(t, 50, outs[0].Height)
	assert.NotEmpty(t, outs[0].Data)
}

func TestGenerateAbortsWholeSet(t *testing.T) {
	src := decodeBytes(t, transparentPNG(t, 20, 20))

	outs, err := NewGenerator().Generate(src, []models.DerivativeProfile{
		{Name: models.OriginalProfile},
		{Name: "thumb", MaxWidth: 10, MaxHeight: 10},
		{Name: "broken", MaxWidth: 10, MaxHeight: 10, Format: "bmp"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
	assert.Nil(t, outs)

	_, err = NewGenerator().Generate(src, []models.DerivativeProfile{
		{Name: "flat", MaxWidth: 10, MaxHeight: 10, Format: "jpeg", Background: "#zzz"},
	})
	assert.Error(t, err)
}
