package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/zachbroad/hookline/internal/action"
	"github.com/zachbroad/hookline/internal/model"
)

type RouteHandler struct {
	routes RouteRepo
}

func NewRouteHandler(routes RouteRepo) *RouteHandler {
	return &RouteHandler{routes: routes}
}

type routeRequest struct {
	Name      *string         `json:"name"`
	RoutePath *string         `json:"route_path"`
	Methods   *[]string       `json:"methods"`
	Actions   *[]model.Action `json:"actions"`
	IsActive  *bool           `json:"is_active"`
	IsAsync   *bool           `json:"is_async"`
	SecretKey *string         `json:"secret_key"`
}

func (req routeRequest) apply(r *model.Route) {
	if req.Name != nil {
		r.Name = *req.Name
	}
	if req.RoutePath != nil {
		r.RoutePath = *req.RoutePath
	}
	if req.Methods != nil {
		r.Methods = *req.Methods
	}
	if req.Actions != nil {
		r.Actions = *req.Actions
	}
	if req.IsActive != nil {
		r.IsActive = *req.IsActive
	}
	if req.IsAsync != nil {
		r.IsAsync = *req.IsAsync
	}
	if req.SecretKey != nil {
		r.SecretKey = req.SecretKey
	}
}

func checkRoute(r *model.Route) error {
	r.Normalize()
	if err := r.Validate(); err != nil {
		return err
	}
	return action.Validate(r.Actions)
}

func (h *RouteHandler) List(c *gin.Context) {
	f, err := parseFilter(c)
	if err != nil {
		c.String(http.StatusBadRequest, err.Error())
		return
	}
	limit, offset := pageParams(c)

	routes, err := h.routes.FindAll(c.Request.Context(), f, limit, offset)
	if err != nil {
		slog.Error("failed to list routes", "error", err)
		c.String(http.StatusInternalServerError, "failed to list routes")
		return
	}
	total, err := h.routes.Count(c.Request.Context(), f)
	if err != nil {
		slog.Error("failed to count routes", "error", err)
		c.String(http.StatusInternalServerError, "failed to list routes")
		return
	}
	writeList(c, routes, total)
}

func (h *RouteHandler) Create(c *gin.Context) {
	var req routeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.String(http.StatusBadRequest, "invalid request body")
		return
	}
	r := &model.Route{IsActive: true}
	req.apply(r)
	if err := checkRoute(r); err != nil {
		c.String(http.StatusBadRequest, err.Error())
		return
	}

	if _, err := h.routes.Save(c.Request.Context(), r); err != nil {
		slog.Error("failed to create route", "route_path", r.RoutePath, "error", err)
		c.String(http.StatusInternalServerError, "failed to create route")
		return
	}
	c.JSON(http.StatusCreated, r)
}

func (h *RouteHandler) Get(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	r, err := h.routes.Get(c.Request.Context(), id)
	if err != nil {
		notFoundOr500(c, err, "route")
		return
	}
	c.JSON(http.StatusOK, r)
}

func (h *RouteHandler) Update(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req routeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.String(http.StatusBadRequest, "invalid request body")
		return
	}

	r, err := h.routes.Get(c.Request.Context(), id)
	if err != nil {
		notFoundOr500(c, err, "route")
		return
	}
	req.apply(r)
	if err := checkRoute(r); err != nil {
		c.String(http.StatusBadRequest, err.Error())
		return
	}

	if _, err := h.routes.Save(c.Request.Context(), r); err != nil {
		notFoundOr500(c, err, "route")
		return
	}
	c.JSON(http.StatusOK, r)
}

func (h *RouteHandler) Delete(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if err := h.routes.Delete(c.Request.Context(), id); err != nil {
		notFoundOr500(c, err, "route")
		return
	}
	c.Status(http.StatusNoContent)
}
