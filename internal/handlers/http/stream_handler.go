package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"streamcast/internal/core/domain"
	"streamcast/internal/core/ports"
	apperrors "streamcast/pkg/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type PlaybackResponse struct {
	State      string    `json:"state"`
	EpochStart time.Time `json:"epoch_start,omitempty"`
	TargetFPS  int       `json:"target_fps"`
}

type QoSResponse struct {
	FPS                  int   `json:"fps"`
	FrameIntervalMs      int64 `json:"frame_interval_ms"`
	QualityPercent       int   `json:"quality_percent"`
	BandwidthCeilingKbps int   `json:"bandwidth_ceiling_kbps"`
	WindowBytes          int64 `json:"window_bytes"`
	LaggingConnections   int   `json:"lagging_connections"`
	TotalConnections     int   `json:"total_connections"`
}

type StatsResponse struct {
	FramesSent     int64            `json:"frames_sent"`
	BytesSent      int64            `json:"bytes_sent"`
	TicksThrottled int64            `json:"ticks_throttled"`
	TicksSkipped   int64            `json:"ticks_skipped"`
	EncodeFailures int64            `json:"encode_failures"`
	Connections    int              `json:"connections"`
	Timestamp      time.Time        `json:"timestamp"`
	Playback       PlaybackResponse `json:"playback"`
	QoS            QoSResponse      `json:"qos"`
}

type ConnectionResponse struct {
	ID          string    `json:"id"`
	RemoteAddr  string    `json:"remote_addr"`
	Paused      bool      `json:"paused"`
	FramesSent  int64     `json:"frames_sent"`
	BytesSent   int64     `json:"bytes_sent"`
	FramesAcked int64     `json:"frames_acked"`
	LagReports  int64     `json:"lag_reports"`
	LastAck     time.Time `json:"last_ack"`
	ConnectedAt time.Time `json:"connected_at"`
}

type bandwidthRequest struct {
	BandwidthKbps int `json:"bandwidth_kbps" binding:"required,min=1"`
}

// StreamHandler exposes playback control and stream statistics over HTTP.
type StreamHandler struct {
	control ports.StreamControl
	logger  *zap.SugaredLogger
}

func NewStreamHandler(control ports.StreamControl, logger *zap.SugaredLogger) *StreamHandler {
	return &StreamHandler{
		control: control,
		logger:  logger,
	}
}

func (h *StreamHandler) SetupRoutes(router gin.IRouter) {
	api := router.Group("/api/v1")
	{
		api.GET("/playback", h.GetPlayback)
		api.POST("/playback/start", h.transition(h.control.StartPlayback))
		api.POST("/playback/pause", h.transition(h.control.PausePlayback))
		api.POST("/playback/resume", h.transition(h.control.ResumePlayback))
		api.POST("/playback/stop", h.transition(h.control.StopPlayback))

		api.GET("/qos", h.GetQoS)
		api.PUT("/qos", h.SetBandwidth)

		api.GET("/stats", h.GetStats)
		api.GET("/connections", h.ListConnections)
	}
}

func (h *StreamHandler) GetPlayback(c *gin.Context) {
	c.JSON(http.StatusOK, toPlaybackResponse(h.control.Playback()))
}

func (h *StreamHandler) transition(op func(ctx context.Context) (domain.PlaybackSnapshot, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		snapshot, err := op(c.Request.Context())
		if err != nil {
			switch {
			case errors.Is(err, domain.ErrInvalidTransition):
				_ = c.Error(apperrors.NewInvalidStateError(err).
					WithContext("state", snapshot.State.String()))
			case errors.Is(err, domain.ErrServiceStopped):
				_ = c.Error(apperrors.NewServiceUnavailableError("stream service stopped"))
			default:
				_ = c.Error(apperrors.WrapError(err, apperrors.ErrCodeInternal,
					"playback transition failed", http.StatusInternalServerError))
			}
			return
		}

		h.logger.Infow("playback changed over http",
			"state", snapshot.State,
			"remote_addr", c.ClientIP(),
		)
		c.JSON(http.StatusOK, toPlaybackResponse(snapshot))
	}
}

func (h *StreamHandler) GetQoS(c *gin.Context) {
	c.JSON(http.StatusOK, toQoSResponse(h.control.QoS()))
}

// SetBandwidth sets the bandwidth ceiling. Values outside the configured
// range are clamped, the same as a BANDWIDTH control message.
func (h *StreamHandler) SetBandwidth(c *gin.Context) {
	var req bandwidthRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}

	snapshot := h.control.SetBandwidthKbps(req.BandwidthKbps)
	h.logger.Infow("bandwidth ceiling set over http",
		"requested_kbps", req.BandwidthKbps,
		"ceiling_kbps", snapshot.BandwidthCeilingKbps,
	)
	c.JSON(http.StatusOK, toQoSResponse(snapshot))
}

func (h *StreamHandler) GetStats(c *gin.Context) {
	stats := h.control.Stats()
	c.JSON(http.StatusOK, StatsResponse{
		FramesSent:     stats.TotalFramesSent,
		BytesSent:      stats.TotalBytesSent,
		TicksThrottled: stats.TicksThrottled,
		TicksSkipped:   stats.TicksSkipped,
		EncodeFailures: stats.EncodeFailures,
		Connections:    stats.Connections,
		Timestamp:      stats.Timestamp,
		Playback:       toPlaybackResponse(h.control.Playback()),
		QoS:            toQoSResponse(h.control.QoS()),
	})
}

func (h *StreamHandler) ListConnections(c *gin.Context) {
	conns := h.control.Connections()
	out := make([]ConnectionResponse, 0, len(conns))
	for _, s := range conns {
		out = append(out, ConnectionResponse{
			ID:          string(s.ID),
			RemoteAddr:  s.RemoteAddr,
			Paused:      s.Paused,
			FramesSent:  s.FramesSent,
			BytesSent:   s.BytesSent,
			FramesAcked: s.FramesAcked,
			LagReports:  s.LagReports,
			LastAck:     s.LastAck,
			ConnectedAt: s.ConnectedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"connections": out,
		"count":       len(out),
	})
}

func toPlaybackResponse(s domain.PlaybackSnapshot) PlaybackResponse {
	return PlaybackResponse{
		State:      s.State.String(),
		EpochStart: s.EpochStart,
		TargetFPS:  s.TargetFPS,
	}
}

func toQoSResponse(s domain.QoSSnapshot) QoSResponse {
	return QoSResponse{
		FPS:                  s.FPS,
		FrameIntervalMs:      s.FrameInterval.Milliseconds(),
		QualityPercent:       s.QualityPercent,
		BandwidthCeilingKbps: s.BandwidthCeilingKbps,
		WindowBytes:          s.WindowBytes,
		LaggingConnections:   s.LaggingConnections,
		TotalConnections:     s.TotalConnections,
	}
}
