// Package httpapi is the presentation collaborator: a small gin surface
// exposing the session view model and the engine's command set.
package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/peercall/peercall/internal/call"
	"github.com/peercall/peercall/internal/config"
	"github.com/peercall/peercall/internal/domain"
)

// Controller is the command surface the engine exposes to presentation.
type Controller interface {
	Snapshot() call.Snapshot
	StartCall(ctx context.Context, remoteID domain.UserID, remoteName string, video bool) error
	AcceptCall(ctx context.Context) error
	RejectCall() error
	EndCall() error
	ToggleMute() call.Snapshot
	ToggleVideo() call.Snapshot
	ToggleSpeaker() call.Snapshot
}

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = uuid.NewString()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(cfg *config.Config, ctl Controller) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("PeercallSession", store))
	r.Use(ClientTokenMiddleware())

	r.Static("/static", cfg.StaticPath)

	api := r.Group("/api")
	api.GET("/call", func(c *gin.Context) {
		writeSnapshot(c, ctl.Snapshot())
	})

	api.POST("/call/start", func(c *gin.Context) {
		var req struct {
			RemoteID   string `json:"remote_id" binding:"required"`
			RemoteName string `json:"remote_name"`
			Video      bool   `json:"video"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid remote_id"})
			return
		}
		err := ctl.StartCall(c.Request.Context(), domain.UserID(req.RemoteID), req.RemoteName, req.Video)
		respond(c, ctl, err)
	})

	api.POST("/call/accept", func(c *gin.Context) {
		respond(c, ctl, ctl.AcceptCall(c.Request.Context()))
	})
	api.POST("/call/reject", func(c *gin.Context) {
		respond(c, ctl, ctl.RejectCall())
	})
	api.POST("/call/end", func(c *gin.Context) {
		respond(c, ctl, ctl.EndCall())
	})

	api.POST("/call/toggle/mute", func(c *gin.Context) {
		writeSnapshot(c, ctl.ToggleMute())
	})
	api.POST("/call/toggle/video", func(c *gin.Context) {
		writeSnapshot(c, ctl.ToggleVideo())
	})
	api.POST("/call/toggle/speaker", func(c *gin.Context) {
		writeSnapshot(c, ctl.ToggleSpeaker())
	})

	log.Info().Str("module", "httpapi").Str("static", cfg.StaticPath).Msg("router setup")
	return r
}

func respond(c *gin.Context, ctl Controller, err error) {
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	writeSnapshot(c, ctl.Snapshot())
}

func writeSnapshot(c *gin.Context, snap call.Snapshot) {
	c.JSON(http.StatusOK, gin.H{
		"call":           snap,
		"duration_label": snap.FormattedDuration(),
	})
}

// statusFor maps the session failure taxonomy onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, call.ErrInvalidCommand):
		return http.StatusConflict
	case errors.Is(err, call.ErrTransportUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, call.ErrMediaAccessDenied):
		return http.StatusForbidden
	case errors.Is(err, call.ErrMediaDeviceAbsent),
		errors.Is(err, call.ErrMediaDeviceUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
