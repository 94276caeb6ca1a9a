package audiofw

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/openharmony/multimedia-audio-framework-sub000/internal/effect"
	"github.com/openharmony/multimedia-audio-framework-sub000/internal/interrupt"
	"github.com/openharmony/multimedia-audio-framework-sub000/internal/service"
	"github.com/openharmony/multimedia-audio-framework-sub000/internal/stream"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type rpcRequest struct {
	Method string                 `json:"method" binding:"required"`
	Params map[string]interface{} `json:"params"`
}

type zoneRequest struct {
	ZoneID int32   `json:"zone_id"`
	Pids   []int32 `json:"pids"`
}

type pidsRequest struct {
	Pids []int32 `json:"pids"`
}

// ZoneInfo is one interrupt zone with its focus owners.
type ZoneInfo struct {
	ZoneID int32                 `json:"zone_id"`
	Focus  []interrupt.FocusInfo `json:"focus"`
}

func (s *Server) newRouter() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": s.service.SessionCount()})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/ws/events", s.handleEventsWebSocket)

	api := r.Group("/api")
	api.GET("/sessions", s.handleListSessions)
	api.GET("/sessions/:id", s.handleGetSession)
	api.DELETE("/sessions/:id", s.handleReleaseSession)

	api.GET("/zones", s.handleListZones)
	api.POST("/zones", s.handleCreateZone)
	api.GET("/zones/:id", s.handleGetZone)
	api.DELETE("/zones/:id", s.handleReleaseZone)
	api.POST("/zones/:id/pids", s.handleZonePids(true))
	api.DELETE("/zones/:id/pids", s.handleZonePids(false))

	api.GET("/effects", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.service.Effects().Snapshot())
	})
	api.GET("/volumes", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.service.SharedVolume().Snapshot())
	})
	api.GET("/endpoints", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.endpointStats())
	})
	api.POST("/rpc", s.handleControlRPC)
	return r
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("control request")
	}
}

// errorStatus maps service errors onto HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, stream.ErrInvalidParam),
		errors.Is(err, interrupt.ErrInvalidParam),
		errors.Is(err, effect.ErrInvalidParam):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrSessionNotFound),
		errors.Is(err, effect.ErrChainNotFound):
		return http.StatusNotFound
	case errors.Is(err, stream.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, stream.ErrIllegalState),
		errors.Is(err, interrupt.ErrFocusDenied):
		return http.StatusConflict
	case errors.Is(err, service.ErrServiceClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func abortWithError(c *gin.Context, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		logger.Warn().Err(err).Str("path", c.FullPath()).Msg("control request failed")
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

func parseSessionID(c *gin.Context) (uint32, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return 0, false
	}
	return uint32(id), true
}

func parseZoneID(c *gin.Context) (int32, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 32)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid zone id"})
		return 0, false
	}
	return int32(id), true
}

func (s *Server) handleEventsWebSocket(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to accept audio events websocket")
		return
	}
	defer conn.CloseNow()

	if err := s.events.Serve(c.Request.Context(), conn); err != nil {
		conn.Close(websocket.StatusGoingAway, err.Error())
		return
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) handleListSessions(c *gin.Context) {
	sessions := s.service.Sessions()
	if sessions == nil {
		sessions = []service.SessionInfo{}
	}
	c.JSON(http.StatusOK, sessions)
}

func (s *Server) handleGetSession(c *gin.Context) {
	id, ok := parseSessionID(c)
	if !ok {
		return
	}
	info, err := s.service.Describe(id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) handleReleaseSession(c *gin.Context) {
	id, ok := parseSessionID(c)
	if !ok {
		return
	}
	destroyAtOnce, _ := strconv.ParseBool(c.DefaultQuery("destroy", "false"))
	sess, err := s.service.Session(id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if err := sess.Release(destroyAtOnce); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) zoneInfo(zoneID int32) (ZoneInfo, error) {
	focus, err := s.service.Arbiter().GetAudioFocusInfoList(zoneID)
	if err != nil {
		return ZoneInfo{}, err
	}
	return ZoneInfo{ZoneID: zoneID, Focus: focus}, nil
}

func (s *Server) handleListZones(c *gin.Context) {
	ids := s.service.Arbiter().Zones()
	zones := make([]ZoneInfo, 0, len(ids))
	for _, id := range ids {
		// A zone released between the two calls is skipped.
		if z, err := s.zoneInfo(id); err == nil {
			zones = append(zones, z)
		}
	}
	c.JSON(http.StatusOK, zones)
}

func (s *Server) handleGetZone(c *gin.Context) {
	id, ok := parseZoneID(c)
	if !ok {
		return
	}
	z, err := s.zoneInfo(id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, z)
}

func (s *Server) handleCreateZone(c *gin.Context) {
	var req zoneRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.service.Arbiter().CreateAudioInterruptZone(req.ZoneID, req.Pids); err != nil {
		abortWithError(c, err)
		return
	}
	z, err := s.zoneInfo(req.ZoneID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, z)
}

func (s *Server) handleReleaseZone(c *gin.Context) {
	id, ok := parseZoneID(c)
	if !ok {
		return
	}
	if err := s.service.Arbiter().ReleaseAudioInterruptZone(id); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleZonePids(add bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseZoneID(c)
		if !ok {
			return
		}
		var req pidsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		arbiter := s.service.Arbiter()
		var err error
		if add {
			err = arbiter.AddAudioInterruptZonePids(id, req.Pids)
		} else {
			err = arbiter.RemoveAudioInterruptZonePids(id, req.Pids)
		}
		if err != nil {
			abortWithError(c, err)
			return
		}
		z, err := s.zoneInfo(id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, z)
	}
}

func (s *Server) handleControlRPC(c *gin.Context) {
	var req rpcRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !isControlMethod(req.Method) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown method " + req.Method})
		return
	}
	if req.Params == nil {
		req.Params = map[string]interface{}{}
	}
	result, err := s.handleControlRPCDirect(req.Method, req.Params)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}
