package handlers

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/navi-crwn/pixelhop-sub000/internal/admission"
	"github.com/navi-crwn/pixelhop-sub000/internal/fetch"
	"github.com/navi-crwn/pixelhop-sub000/internal/ids"
	"github.com/navi-crwn/pixelhop-sub000/internal/ingest"
	"github.com/navi-crwn/pixelhop-sub000/internal/metastore"
	"github.com/navi-crwn/pixelhop-sub000/internal/middleware"
	"github.com/navi-crwn/pixelhop-sub000/internal/models"
)

type derivativeResponse struct {
	URL       string `json:"url"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	SizeBytes int64  `json:"sizeBytes"`
}

type imageResponse struct {
	ID          string                        `json:"id"`
	URL         string                        `json:"url"`
	ContentHash string                        `json:"contentHash"`
	MimeType    string                        `json:"mimeType"`
	SizeBytes   int64                         `json:"sizeBytes"`
	Width       int                           `json:"width"`
	Height      int                           `json:"height"`
	Sizes       map[string]derivativeResponse `json:"sizes"`
	CreatedAt   time.Time                     `json:"createdAt"`
	ExpiresAt   *time.Time                    `json:"expiresAt,omitempty"`
}

func toImageResponse(rec models.ImageRecord) imageResponse {
	resp := imageResponse{
		ID:          rec.ID,
		ContentHash: rec.ContentHash,
		MimeType:    rec.MimeType,
		SizeBytes:   rec.SizeBytes,
		Width:       rec.Width,
		Height:      rec.Height,
		Sizes:       make(map[string]derivativeResponse, len(rec.Derivatives)),
		CreatedAt:   rec.CreatedAt,
		ExpiresAt:   rec.ScheduledDeletionAt,
	}
	for name, d := range rec.Derivatives {
		resp.Sizes[name] = derivativeResponse{URL: d.URL, Width: d.Width, Height: d.Height, SizeBytes: d.SizeBytes}
	}
	if orig, ok := rec.Derivatives[models.OriginalProfile]; ok {
		resp.URL = orig.URL
	}
	return resp
}

func (h HandlerSet) UploadImage(c *gin.Context) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		if isBodyTooLarge(err) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload_too_large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "file_required"})
		return
	}
	defer file.Close()

	deleteAfter, err := ingest.ParseRetention(c.PostForm("deleteAfter"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_retention"})
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		h.log.Warn().Err(err).Str("request_id", middleware.GetRequestID(c)).Msg("read upload failed")
		c.JSON(http.StatusBadRequest, gin.H{"error": "file_required"})
		return
	}

	h.ingest(c, ingest.Input{
		Data:         data,
		DeclaredMIME: header.Header.Get("Content-Type"),
		Filename:     header.Filename,
		SourceIP:     c.ClientIP(),
		DeleteAfter:  deleteAfter,
	})
}

type urlUploadRequest struct {
	URL         string `json:"url" binding:"required,url"`
	DeleteAfter string `json:"deleteAfter"`
}

func (h HandlerSet) UploadFromURL(c *gin.Context) {
	if h.fetcher == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}

	var req urlUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	deleteAfter, err := ingest.ParseRetention(req.DeleteAfter)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_retention"})
		return
	}

	res, err := h.fetcher.Fetch(c.Request.Context(), req.URL)
	if err != nil {
		h.log.Warn().Err(err).Str("url", req.URL).Str("request_id", middleware.GetRequestID(c)).Msg("remote fetch failed")
		switch {
		case errors.Is(err, fetch.ErrTooLarge):
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload_too_large"})
		case errors.Is(err, fetch.ErrInvalidURL),
			errors.Is(err, fetch.ErrForbiddenAddress),
			errors.Is(err, fetch.ErrTooManyRedirects):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_url"})
		case errors.Is(err, fetch.ErrUnsupportedType):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_image"})
		default:
			c.JSON(http.StatusBadGateway, gin.H{"error": "fetch_failed"})
		}
		return
	}

	h.ingest(c, ingest.Input{
		Data:         res.Data,
		DeclaredMIME: res.ContentType,
		Filename:     res.Filename,
		SourceIP:     c.ClientIP(),
		DeleteAfter:  deleteAfter,
	})
}

func (h HandlerSet) ingest(c *gin.Context, in ingest.Input) {
	requestID := middleware.GetRequestID(c)

	decision, err := h.admission.Check(c.Request.Context(), admission.Identity{OwnerID: in.OwnerID, IP: in.SourceIP}, int64(len(in.Data)))
	if err != nil {
		h.log.Error().Err(err).Str("request_id", requestID).Msg("admission check failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "upload_failed"})
		return
	}
	if !decision.Allowed {
		switch decision.Reason {
		case admission.ReasonTooLarge:
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload_too_large"})
		case admission.ReasonGuestsDisabled:
			c.JSON(http.StatusForbidden, gin.H{"error": "guest_uploads_disabled"})
		default:
			if decision.RetryAfter > 0 {
				c.Header("Retry-After", strconv.Itoa(int(decision.RetryAfter.Seconds())))
			}
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited"})
		}
		return
	}

	result, err := h.pipeline.Ingest(c.Request.Context(), in)
	if err != nil {
		event := h.log.Error()
		if errors.Is(err, ingest.ErrInvalidInput) {
			event = h.log.Warn()
		}
		var ierr *ingest.Error
		if errors.As(err, &ierr) {
			event = event.Str("stage", string(ierr.Stage))
		}
		event.Err(err).Str("request_id", requestID).Str("filename", in.Filename).Msg("upload failed")

		if errors.Is(err, ingest.ErrInvalidInput) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_image"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "upload_failed"})
		return
	}

	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{
		"image":     toImageResponse(result.Record),
		"duplicate": result.Duplicate,
	})
}

func (h HandlerSet) GetImage(c *gin.Context) {
	if !ids.Valid(c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}

	rec, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, metastore.ErrNotFound) || (err == nil && !rec.Active(time.Now())) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("image_id", c.Param("id")).Msg("get image failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_server_error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"image": toImageResponse(rec)})
}

func isBodyTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}
