// Package handlers exposes the management service over HTTP and the
// WebSocket dispatcher.
package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/durahub/durahub/internal/client"
	"github.com/durahub/durahub/internal/common/logger"
	v1 "github.com/durahub/durahub/pkg/api/v1"
	ws "github.com/durahub/durahub/pkg/websocket"
)

type OrchestrationHandlers struct {
	service *client.Service
	log     *logger.Logger
}

func NewOrchestrationHandlers(svc *client.Service, log *logger.Logger) *OrchestrationHandlers {
	return &OrchestrationHandlers{
		service: svc,
		log:     log.WithFields(zap.String("component", "orchestration-handlers")),
	}
}

// RegisterOrchestrationRoutes wires the management API into the HTTP
// router and the WebSocket dispatcher.
func RegisterOrchestrationRoutes(router *gin.Engine, dispatcher *ws.Dispatcher, svc *client.Service, log *logger.Logger) {
	h := NewOrchestrationHandlers(svc, log)
	h.registerHTTP(router)
	h.registerWS(dispatcher)
}

func (h *OrchestrationHandlers) registerHTTP(router *gin.Engine) {
	api := router.Group("/api/v1")
	api.POST("/orchestrations", h.httpSchedule)
	api.GET("/orchestrations", h.httpQuery)
	api.GET("/orchestrations/:id", h.httpGet)
	api.POST("/orchestrations/:id/wait", h.httpWait)
	api.POST("/orchestrations/:id/raise", h.httpRaiseEvent)
	api.POST("/orchestrations/:id/terminate", h.httpTerminate)
	api.POST("/orchestrations/:id/suspend", h.httpSuspend)
	api.POST("/orchestrations/:id/resume", h.httpResume)
	api.POST("/orchestrations/purge", h.httpPurge)
}

func (h *OrchestrationHandlers) registerWS(dispatcher *ws.Dispatcher) {
	dispatcher.RegisterFunc(ws.ActionOrchestrationSchedule, h.wsSchedule)
	dispatcher.RegisterFunc(ws.ActionOrchestrationGet, h.wsGet)
	dispatcher.RegisterFunc(ws.ActionOrchestrationWait, h.wsWait)
	dispatcher.RegisterFunc(ws.ActionOrchestrationRaise, h.wsRaiseEvent)
	dispatcher.RegisterFunc(ws.ActionOrchestrationTerminate, h.wsTerminate)
	dispatcher.RegisterFunc(ws.ActionOrchestrationSuspend, h.wsSuspend)
	dispatcher.RegisterFunc(ws.ActionOrchestrationResume, h.wsResume)
	dispatcher.RegisterFunc(ws.ActionOrchestrationQuery, h.wsQuery)
	dispatcher.RegisterFunc(ws.ActionOrchestrationPurge, h.wsPurge)
}

// httpStatus maps service errors onto HTTP codes.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, v1.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, v1.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, v1.ErrDuplicateInstance):
		return http.StatusConflict
	case errors.Is(err, v1.ErrTimeout):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *OrchestrationHandlers) abort(c *gin.Context, err error) {
	status := httpStatus(err)
	if status == http.StatusInternalServerError {
		h.log.WithError(err).Error("Management request failed", zap.String("path", c.FullPath()))
	}
	c.JSON(status, &v1.APIError{Code: v1.ErrorCode(err), Message: err.Error()})
}

func (h *OrchestrationHandlers) httpSchedule(c *gin.Context) {
	var req v1.ScheduleOrchestrationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, &v1.APIError{Code: v1.ErrorCodeInvalidArgument, Message: err.Error()})
		return
	}
	instance, err := h.service.ScheduleNewOrchestration(c.Request.Context(), &req)
	if err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, v1.ScheduleOrchestrationResponse{Instance: *instance})
}

func (h *OrchestrationHandlers) httpGet(c *gin.Context) {
	req := v1.GetOrchestrationRequest{
		InstanceID:   c.Param("id"),
		FetchInputs:  c.Query("fetch_inputs") != "false",
		FetchHistory: c.Query("fetch_history") == "true",
	}
	resp, err := h.service.GetOrchestration(c.Request.Context(), &req)
	if err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *OrchestrationHandlers) httpWait(c *gin.Context) {
	var req v1.WaitOrchestrationRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, &v1.APIError{Code: v1.ErrorCodeInvalidArgument, Message: err.Error()})
		return
	}
	req.InstanceID = c.Param("id")
	md, err := h.service.WaitForOrchestration(c.Request.Context(), &req)
	if err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, md)
}

func (h *OrchestrationHandlers) httpRaiseEvent(c *gin.Context) {
	var req v1.RaiseEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, &v1.APIError{Code: v1.ErrorCodeInvalidArgument, Message: err.Error()})
		return
	}
	req.InstanceID = c.Param("id")
	if err := h.service.RaiseEvent(c.Request.Context(), &req); err != nil {
		h.abort(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (h *OrchestrationHandlers) httpTerminate(c *gin.Context) {
	var req v1.TerminateOrchestrationRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, &v1.APIError{Code: v1.ErrorCodeInvalidArgument, Message: err.Error()})
		return
	}
	req.InstanceID = c.Param("id")
	if err := h.service.Terminate(c.Request.Context(), &req); err != nil {
		h.abort(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (h *OrchestrationHandlers) httpSuspend(c *gin.Context) {
	req := v1.SuspendOrchestrationRequest{InstanceID: c.Param("id"), Reason: c.Query("reason")}
	if err := h.service.Suspend(c.Request.Context(), &req); err != nil {
		h.abort(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (h *OrchestrationHandlers) httpResume(c *gin.Context) {
	req := v1.ResumeOrchestrationRequest{InstanceID: c.Param("id"), Reason: c.Query("reason")}
	if err := h.service.Resume(c.Request.Context(), &req); err != nil {
		h.abort(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (h *OrchestrationHandlers) httpQuery(c *gin.Context) {
	req := &v1.QueryRequest{
		Filter: v1.QueryFilter{
			InstanceIDPrefix: c.Query("prefix"),
			Name:             c.Query("name"),
		},
		Continuation: c.Query("continuation"),
	}
	for _, s := range c.QueryArray("status") {
		req.Filter.Statuses = append(req.Filter.Statuses, v1.OrchestrationStatus(s))
	}
	resp, err := h.service.Query(c.Request.Context(), req)
	if err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *OrchestrationHandlers) httpPurge(c *gin.Context) {
	var req v1.PurgeOrchestrationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, &v1.APIError{Code: v1.ErrorCodeInvalidArgument, Message: err.Error()})
		return
	}
	resp, err := h.service.Purge(c.Request.Context(), &req)
	if err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// wsCall parses the request payload, runs fn, and wraps the reply.
func wsCall[Req any](ctx context.Context, msg *ws.Message, fn func(ctx context.Context, req *Req) (any, error)) (*ws.Message, error) {
	var req Req
	if len(msg.Payload) > 0 {
		if err := msg.ParsePayload(&req); err != nil {
			return ws.NewError(msg.ID, msg.Action, v1.ErrorCodeInvalidArgument, "invalid payload: "+err.Error())
		}
	}
	resp, err := fn(ctx, &req)
	if err != nil {
		return ws.NewError(msg.ID, msg.Action, v1.ErrorCode(err), err.Error())
	}
	return ws.NewResponse(msg.ID, msg.Action, resp)
}

func (h *OrchestrationHandlers) wsSchedule(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	return wsCall(ctx, msg, func(ctx context.Context, req *v1.ScheduleOrchestrationRequest) (any, error) {
		instance, err := h.service.ScheduleNewOrchestration(ctx, req)
		if err != nil {
			return nil, err
		}
		return v1.ScheduleOrchestrationResponse{Instance: *instance}, nil
	})
}

func (h *OrchestrationHandlers) wsGet(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	return wsCall(ctx, msg, func(ctx context.Context, req *v1.GetOrchestrationRequest) (any, error) {
		return h.service.GetOrchestration(ctx, req)
	})
}

func (h *OrchestrationHandlers) wsWait(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	return wsCall(ctx, msg, func(ctx context.Context, req *v1.WaitOrchestrationRequest) (any, error) {
		return h.service.WaitForOrchestration(ctx, req)
	})
}

func (h *OrchestrationHandlers) wsRaiseEvent(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	return wsCall(ctx, msg, func(ctx context.Context, req *v1.RaiseEventRequest) (any, error) {
		return gin.H{"accepted": true}, h.service.RaiseEvent(ctx, req)
	})
}

func (h *OrchestrationHandlers) wsTerminate(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	return wsCall(ctx, msg, func(ctx context.Context, req *v1.TerminateOrchestrationRequest) (any, error) {
		return gin.H{"accepted": true}, h.service.Terminate(ctx, req)
	})
}

func (h *OrchestrationHandlers) wsSuspend(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	return wsCall(ctx, msg, func(ctx context.Context, req *v1.SuspendOrchestrationRequest) (any, error) {
		return gin.H{"accepted": true}, h.service.Suspend(ctx, req)
	})
}

func (h *OrchestrationHandlers) wsResume(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	return wsCall(ctx, msg, func(ctx context.Context, req *v1.ResumeOrchestrationRequest) (any, error) {
		return gin.H{"accepted": true}, h.service.Resume(ctx, req)
	})
}

func (h *OrchestrationHandlers) wsQuery(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	return wsCall(ctx, msg, func(ctx context.Context, req *v1.QueryRequest) (any, error) {
		return h.service.Query(ctx, req)
	})
}

func (h *OrchestrationHandlers) wsPurge(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	return wsCall(ctx, msg, func(ctx context.Context, req *v1.PurgeOrchestrationRequest) (any, error) {
		return h.service.Purge(ctx, req)
	})
}
