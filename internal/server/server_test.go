package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/navi-crwn/pixelhop-sub000/internal/config"
	"github.com/navi-crwn/pixelhop-sub000/internal/handlers"
	"github.com/navi-crwn/pixelhop-sub000/internal/metastore/memory"
)

func TestServerRoutesAndMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := &config.AppConfig{
		Environment:      "test",
		HTTP:             config.HTTPConfig{Host: "127.0.0.1", Port: 0, MaxUploadBytes: 1 << 20},
		AllowCORSOrigins: []string{"https://pixelhop.example"},
	}
	hs := handlers.NewHandlerSet(zerolog.Nop(), cfg, handlers.Deps{Store: memory.New(10)})
	srv := NewHTTPServer(cfg, zerolog.Nop(), hs)

	req := httptest.NewRequest(http.MethodGet, "/api/healthz", nil)
	req.Header.Set("Origin", "https://pixelhop.example")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
	assert.Equal(t, "https://pixelhop.example", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/admin/sweep", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code, "admin routes are closed without a secret")
}
