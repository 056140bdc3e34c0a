package models

import (
	"strings"
	"time"
)

const OriginalProfile = "original"

type Derivative struct {
	StorageKey  string `json:"storageKey"`
	URL         string `json:"url"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	SizeBytes   int64  `json:"sizeBytes"`
	ContentType string `json:"contentType"`
}

type ImageRecord struct {
	ID                  string                `json:"id"`
	OwnerID             *string               `json:"ownerId,omitempty"`
	ContentHash         string                `json:"contentHash"`
	OriginalFilename    string                `json:"originalFilename"`
	MimeType            string                `json:"mimeType"`
	SizeBytes           int64                 `json:"sizeBytes"`
	Width               int                   `json:"width"`
	Height              int                   `json:"height"`
	Derivatives         map[string]Derivative `json:"derivatives"`
	CreatedAt           time.Time             `json:"createdAt"`
	ScheduledDeletionAt *time.Time            `json:"scheduledDeletionAt,omitempty"`
	SourceIP            string                `json:"sourceIp"`
}

// Active reports whether the record is still live at now. Records without
// a scheduled deletion never expire.
func (r ImageRecord) Active(now time.Time) bool {
	return r.ScheduledDeletionAt == nil || r.ScheduledDeletionAt.After(now)
}

func (r ImageRecord) StorageKeys() []string {
	keys := make([]string, 0, len(r.Derivatives))
	for _, d := range r.Derivatives {
		if d.StorageKey != "" {
			keys = append(keys, d.StorageKey)
		}
	}
	return keys
}

type DerivativeProfile struct {
	Name       string
	MaxWidth   int
	MaxHeight  int
	Quality    int
	Format     string
	Background string
}

func (p DerivativeProfile) IsOriginal() bool {
	return p.Name == OriginalProfile
}

// StorageKey is the object key of one derivative:
// YYYY/MM/DD/{id}_{profile}.{ext}, dated in UTC.
func StorageKey(at time.Time, id, profile, ext string) string {
	return at.UTC().Format("2006/01/02") + "/" + id + "_" + profile + "." + ext
}

// ParseStorageKey extracts the image id and profile from a key built by
// StorageKey.
func ParseStorageKey(key string) (id, profile string, ok bool) {
	parts := strings.Split(key, "/")
	if len(parts) != 4 {
		return "", "", false
	}
	name := parts[3]
	if dot := strings.LastIndexByte(name, '.'); dot > 0 {
		name = name[:dot]
	}
	id, profile, ok = strings.Cut(name, "_")
	if !ok || id == "" || profile == "" {
		return "", "", false
	}
	return id, profile, true
}
