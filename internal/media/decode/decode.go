// Package decode validates uploaded bytes and turns them into a decoded
// image plus its native dimensions.
package decode

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/chai2010/webp"

	"github.com/navi-crwn/pixelhop-sub000/internal/media/sniffer"
)

// MaxPixels bounds width*height before any pixel data is allocated.
const MaxPixels = 80_000_000

var (
	ErrInvalidImage      = errors.New("invalid image")
	ErrUnsupportedFormat = fmt.Errorf("%w: unsupported format", ErrInvalidImage)
	ErrMIMEMismatch      = fmt.Errorf("%w: declared type does not match content", ErrInvalidImage)
	ErrTooLarge          = fmt.Errorf("%w: dimensions too large", ErrInvalidImage)
)

var decodable = map[sniffer.MediaType]bool{
	sniffer.TypeJPEG: true,
	sniffer.TypePNG:  true,
	sniffer.TypeGIF:  true,
	sniffer.TypeWEBP: true,
}

type Image struct {
	Image  image.Image
	Format sniffer.MediaType
	MIME   string
	Width  int
	Height int
	// Data is the untouched input.
	Data []byte
}

func (i Image) Extension() string {
	return sniffer.Result{Type: i.Format}.Extension()
}

// Decode sniffs data, checks it against the declared MIME type and decodes
// it. An empty or generic declared type defers to the sniffed type; any
// other declared type must agree with the content.
func Decode(data []byte, declaredMIME string) (Image, error) {
	if len(data) == 0 {
		return Image{}, fmt.Errorf("%w: empty input", ErrInvalidImage)
	}

	sniffed, err := sniffer.DetectHead(data)
	if err != nil {
		return Image{}, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	if !decodable[sniffed.Type] {
		return Image{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, sniffed.MIME)
	}
	if declared := sniffer.Normalize(declaredMIME); declared != "" && declared != "application/octet-stream" && declared != sniffed.MIME {
		return Image{}, fmt.Errorf("%w: declared %s, content %s", ErrMIMEMismatch, declared, sniffed.MIME)
	}

	cfg, err := decodeConfig(data, sniffed.Type)
	if err != nil {
		return Image{}, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return Image{}, fmt.Errorf("%w: zero dimension", ErrInvalidImage)
	}
	if int64(cfg.Width)*int64(cfg.Height) > MaxPixels {
		return Image{}, fmt.Errorf("%w: %dx%d", ErrTooLarge, cfg.Width, cfg.Height)
	}

	img, err := decodeImage(data, sniffed.Type)
	if err != nil {
		return Image{}, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}

	bounds := img.Bounds()
	return Image{
		Image:  img,
		Format: sniffed.Type,
		MIME:   sniffed.MIME,
		Width:  bounds.Dx(),
		Height: bounds.Dy(),
		Data:   data,
	}, nil
}

func decodeConfig(data []byte, t sniffer.MediaType) (image.Config, error) {
	if t == sniffer.TypeWEBP {
		return webp.DecodeConfig(bytes.NewReader(data))
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	return cfg, err
}

func decodeImage(data []byte, t sniffer.MediaType) (image.Image, error) {
	if t == sniffer.TypeWEBP {
		return webp.Decode(bytes.NewReader(data))
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	return img, err
}
