package sniffer

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

type MediaType string

const (
	TypeJPEG MediaType = "jpeg"
	TypePNG  MediaType = "png"
	TypeGIF  MediaType = "gif"
	TypeWEBP MediaType = "webp"
	TypeAVIF MediaType = "avif"
	TypeSVG  MediaType = "svg"
)

// HeadSize is how many leading bytes DetectHead inspects.
const HeadSize = 3072

var ErrUnknownType = errors.New("unknown media type")

var known = map[string]MediaType{
	"image/jpeg":    TypeJPEG,
	"image/png":     TypePNG,
	"image/gif":     TypeGIF,
	"image/webp":    TypeWEBP,
	"image/avif":    TypeAVIF,
	"image/svg+xml": TypeSVG,
}

type Result struct {
	Type MediaType
	MIME string
}

// Extension is the file extension used in storage keys.
func (r Result) Extension() string {
	if r.Type == TypeJPEG {
		return "jpg"
	}
	return string(r.Type)
}

// DetectHead classifies data by its magic bytes. Only image types this
// service knows about are reported; everything else is ErrUnknownType.
func DetectHead(head []byte) (Result, error) {
	if len(head) == 0 {
		return Result{}, ErrUnknownType
	}
	if len(head) > HeadSize {
		head = head[:HeadSize]
	}

	for mt := mimetype.Detect(head); mt != nil; mt = mt.Parent() {
		if t, ok := known[mt.String()]; ok {
			return Result{Type: t, MIME: mt.String()}, nil
		}
	}
	return Result{}, ErrUnknownType
}

// Normalize lower-cases a MIME type, drops parameters and maps common
// aliases such as image/jpg.
func Normalize(mime string) string {
	if idx := strings.Index(mime, ";"); idx >= 0 {
		mime = mime[:idx]
	}
	mime = strings.ToLower(strings.TrimSpace(mime))
	switch mime {
	case "image/jpg", "image/pjpeg":
		return "image/jpeg"
	case "image/x-png":
		return "image/png"
	}
	return mime
}

func MimeTypeFromHTTP(header http.Header) string {
	contentType := header.Get("Content-Type")
	if contentType == "" {
		return ""
	}
	return Normalize(contentType)
}
