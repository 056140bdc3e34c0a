// Package derivative renders the configured size variants of a decoded
// image.
package derivative

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/color/palette"
	"image/draw"
	"image/gif"
	"image/png"
	"strconv"
	"strings"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"

	"github.com/navi-crwn/pixelhop-sub000/internal/media/decode"
	"github.com/navi-crwn/pixelhop-sub000/internal/media/sniffer"
	"github.com/navi-crwn/pixelhop-sub000/internal/models"
)

const defaultQuality = 85

var contentTypes = map[sniffer.MediaType]string{
	sniffer.TypeJPEG: "image/jpeg",
	sniffer.TypePNG:  "image/png",
	sniffer.TypeGIF:  "image/gif",
	sniffer.TypeWEBP: "image/webp",
}

// Output is one rendered variant, ready for upload.
type Output struct {
	Profile     string
	Data        []byte
	Width       int
	Height      int
	ContentType string
	Extension   string
}

type Generator struct {
	filter imaging.ResampleFilter
}

func NewGenerator() *Generator {
	return &Generator{filter: imaging.Lanczos}
}

// Generate renders one output per profile, in profile order. The first
// failure aborts the whole set.
func (g *Generator) Generate(src decode.Image, profiles []models.DerivativeProfile) ([]Output, error) {
	outputs := make([]Output, 0, len(profiles))
	for _, p := range profiles {
		out, err := g.render(src, p)
		if err != nil {
			return nil, fmt.Errorf("profile %s: %w", p.Name, err)
		}
		outputs = append(outputs, out)
	}
	return outputs, nil
}

func (g *Generator) render(src decode.Image, p models.DerivativeProfile) (Output, error) {
	if p.IsOriginal() {
		return Output{
			Profile:     p.Name,
			Data:        src.Data,
			Width:       src.Width,
			Height:      src.Height,
			ContentType: src.MIME,
			Extension:   src.Extension(),
		}, nil
	}

	target := src.Format
	if p.Format != "" {
		target = sniffer.MediaType(p.Format)
	}
	contentType, ok := contentTypes[target]
	if !ok {
		return Output{}, fmt.Errorf("unsupported output format %q", p.Format)
	}

	w, h := Fit(src.Width, src.Height, p.MaxWidth, p.MaxHeight)

	var img image.Image = src.Image
	if w != src.Width || h != src.Height {
		img = imaging.Resize(src.Image, w, h, g.filter)
	}
	if target == sniffer.TypeJPEG && !isOpaque(img) {
		bg, err := parseBackground(p.Background)
		if err != nil {
			return Output{}, err
		}
		img = flatten(img, bg)
	}

	quality := p.Quality
	if quality <= 0 || quality > 100 {
		quality = defaultQuality
	}

	data, err := encode(img, target, quality)
	if err != nil {
		return Output{}, fmt.Errorf("encode %s: %w", target, err)
	}

	return Output{
		Profile:     p.Name,
		Data:        data,
		Width:       w,
		Height:      h,
		ContentType: contentType,
		Extension:   sniffer.Result{Type: target}.Extension(),
	}, nil
}

// Fit scales (srcW, srcH) down to fit inside (maxW, maxH) preserving aspect
// ratio, rounding the constrained side to the nearest pixel. Sources that
// already fit are returned unchanged; the result never exceeds the source.
// A non-positive bound leaves that axis unconstrained.
func Fit(srcW, srcH, maxW, maxH int) (int, int) {
	if maxW <= 0 {
		maxW = srcW
	}
	if maxH <= 0 {
		maxH = srcH
	}
	if srcW <= maxW && srcH <= maxH {
		return srcW, srcH
	}

	var w, h int
	if srcW*maxH >= srcH*maxW {
		w = maxW
		h = (srcH*maxW + srcW/2) / srcW
	} else {
		h = maxH
		w = (srcW*maxH + srcH/2) / srcH
	}
	return max(w, 1), max(h, 1)
}

func encode(img image.Image, t sniffer.MediaType, quality int) ([]byte, error) {
	var buf bytes.Buffer
	var err error
	switch t {
	case sniffer.TypeJPEG:
		err = imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality))
	case sniffer.TypePNG:
		err = imaging.Encode(&buf, img, imaging.PNG, imaging.PNGCompressionLevel(png.BestCompression))
	case sniffer.TypeGIF:
		if isOpaque(img) {
			err = imaging.Encode(&buf, img, imaging.GIF, imaging.GIFNumColors(256))
		} else {
			err = gif.Encode(&buf, transparentPaletted(img), nil)
		}
	case sniffer.TypeWEBP:
		err = webp.Encode(&buf, img, &webp.Options{Quality: float32(quality), Exact: true})
	default:
		err = fmt.Errorf("no encoder for %s", t)
	}
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// transparentPaletted keeps fully transparent pixels transparent, which the
// stock GIF quantizer would map onto an opaque palette entry.
func transparentPaletted(img image.Image) *image.Paletted {
	pal := append(color.Palette{color.Transparent}, palette.WebSafe...)
	dst := image.NewPaletted(img.Bounds(), pal)
	draw.FloydSteinberg.Draw(dst, dst.Bounds(), img, img.Bounds().Min)
	return dst
}

func isOpaque(img image.Image) bool {
	if o, ok := img.(interface{ Opaque() bool }); ok {
		return o.Opaque()
	}
	return false
}

func flatten(img image.Image, bg color.Color) image.Image {
	b := img.Bounds()
	canvas := imaging.New(b.Dx(), b.Dy(), bg)
	return imaging.Overlay(canvas, img, image.Pt(0, 0), 1.0)
}

// parseBackground accepts #rgb or #rrggbb; empty means white.
func parseBackground(s string) (color.NRGBA, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	if s == "" {
		return color.NRGBA{R: 255, G: 255, B: 255, A: 255}, nil
	}
	if len(s) == 3 {
		s = string([]byte{s[0], s[0], s[1], s[1], s[2], s[2]})
	}
	if len(s) != 6 {
		return color.NRGBA{}, fmt.Errorf("invalid background %q", s)
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return color.NRGBA{}, fmt.Errorf("invalid background %q: %w", s, err)
	}
	return color.NRGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 255}, nil
}
