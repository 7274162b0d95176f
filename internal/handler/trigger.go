package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/zachbroad/hookline/internal/action"
	"github.com/zachbroad/hookline/internal/payload"
	"github.com/zachbroad/hookline/internal/trigger"
)

type TriggerHandler struct {
	triggers *trigger.Registry
}

func NewTriggerHandler(triggers *trigger.Registry) *TriggerHandler {
	return &TriggerHandler{triggers: triggers}
}

func (h *TriggerHandler) List(c *gin.Context) {
	c.JSON(http.StatusOK, h.triggers.All())
}

// Get returns one trigger with its merge tags and sample data.
func (h *TriggerHandler) Get(c *gin.Context) {
	key := c.Param("key")
	t, ok := h.triggers.Get(key)
	if !ok {
		c.String(http.StatusNotFound, "trigger not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"trigger": t,
		"tags":    payload.AvailableTags(key),
		"sample":  h.triggers.SampleData(key),
	})
}

func (h *TriggerHandler) ActionTypes(c *gin.Context) {
	c.JSON(http.StatusOK, action.Types())
}
