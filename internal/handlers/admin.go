package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type sweepResponse struct {
	Checked    int      `json:"checked"`
	Deleted    int      `json:"deleted"`
	FailedKeys []string `json:"failedKeys"`
	OK         bool     `json:"ok"`
}

// AdminSweep runs one retention pass inline and reports its summary.
func (h HandlerSet) AdminSweep(c *gin.Context) {
	if h.sweeper == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}

	summary, err := h.sweeper.Run(c.Request.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("admin sweep failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sweep_failed"})
		return
	}

	failed := summary.FailedKeys
	if failed == nil {
		failed = []string{}
	}
	c.JSON(http.StatusOK, sweepResponse{
		Checked:    summary.Checked,
		Deleted:    summary.Deleted,
		FailedKeys: failed,
		OK:         summary.OK(),
	})
}
