package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

// RecordHandler exposes documents written by record actions. It is read-only.
type RecordHandler struct {
	records RecordRepo
}

func NewRecordHandler(records RecordRepo) *RecordHandler {
	return &RecordHandler{records: records}
}

func (h *RecordHandler) List(c *gin.Context) {
	limit, _ := pageParams(c)
	records, err := h.records.List(c.Request.Context(), c.Query("type"), limit)
	if err != nil {
		slog.Error("failed to list records", "error", err)
		c.String(http.StatusInternalServerError, "failed to list records")
		return
	}
	writeList(c, records, int64(len(records)))
}

func (h *RecordHandler) Get(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	rec, err := h.records.Get(c.Request.Context(), id)
	if err != nil {
		notFoundOr500(c, err, "record")
		return
	}
	c.JSON(http.StatusOK, rec)
}
