package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/zachbroad/hookline/internal/events"
	"github.com/zachbroad/hookline/internal/trigger"
)

type RecentEvents interface {
	Recent(afterID int64) []events.Event
}

type EventHandler struct {
	dispatcher Dispatcher
	triggers   *trigger.Registry
	recent     RecentEvents
}

func NewEventHandler(d Dispatcher, triggers *trigger.Registry, recent RecentEvents) *EventHandler {
	return &EventHandler{dispatcher: d, triggers: triggers, recent: recent}
}

// Fire accepts an application event and queues deliveries for every
// matching webhook.
func (h *EventHandler) Fire(c *gin.Context) {
	key := c.Param("key")
	if _, ok := h.triggers.Get(key); !ok {
		c.String(http.StatusNotFound, "unknown trigger")
		return
	}
	var data map[string]any
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&data); err != nil {
			c.String(http.StatusBadRequest, "event data must be a JSON object")
			return
		}
	}

	queued, err := h.dispatcher.Fire(c.Request.Context(), key, data)
	if err != nil {
		slog.Error("failed to fire trigger", "trigger", key, "error", err)
		c.String(http.StatusInternalServerError, "failed to fire trigger")
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"trigger": key, "queued": queued})
}

// Recent lists buffered bus events newer than ?after.
func (h *EventHandler) Recent(c *gin.Context) {
	var after int64
	if a := c.Query("after"); a != "" {
		n, err := strconv.ParseInt(a, 10, 64)
		if err != nil {
			c.String(http.StatusBadRequest, "after must be an integer")
			return
		}
		after = n
	}
	c.JSON(http.StatusOK, h.recent.Recent(after))
}
