package streaming

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SfuGateway abstracts the external media-relay server's control API. The SFU
// owns the media plane; this service only reads its liveness truth and sends
// best-effort start/stop notifications. Notify results are booleans rather
// than errors so that expected transport failure stays visible in signatures
// without aborting callers.
type SfuGateway interface {
	CheckHealth(ctx context.Context) bool
	IsStreamActive(ctx context.Context, channelID uuid.UUID) (bool, error)
	GetViewers(ctx context.Context, channelID uuid.UUID) (int, error)
	NotifyStreamStarted(ctx context.Context, channelID uuid.UUID, sessionID string) bool
	NotifyStreamStopped(ctx context.Context, channelID uuid.UUID, sessionID string) bool
}

// HTTPGateway talks to the SFU's REST control API. Every call carries a
// bounded timeout so a hung SFU cannot stall a live request or a
// reconciliation tick.
type HTTPGateway struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// NewHTTPGateway creates an SFU gateway for the given control API base URL.
func NewHTTPGateway(baseURL string, timeout time.Duration, logger *zap.Logger) *HTTPGateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &HTTPGateway{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type sfuStreamStatus struct {
	Active    bool   `json:"active"`
	Viewers   int    `json:"viewers"`
	SessionID string `json:"session_id"`
}

// CheckHealth probes the SFU. Transport failures return false, never an error.
func (g *HTTPGateway) CheckHealth(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/api/health", nil)
	if err != nil {
		return false
	}
	resp, err := g.client.Do(req)
	if err != nil {
		g.logger.Debug("sfu health probe failed", zap.Error(err))
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// IsStreamActive reports whether the SFU is relaying media for the channel.
func (g *HTTPGateway) IsStreamActive(ctx context.Context, channelID uuid.UUID) (bool, error) {
	status, err := g.streamStatus(ctx, channelID)
	if err != nil {
		return false, err
	}
	return status.Active, nil
}

// GetViewers returns the SFU's subscriber count for the channel.
func (g *HTTPGateway) GetViewers(ctx context.Context, channelID uuid.UUID) (int, error) {
	status, err := g.streamStatus(ctx, channelID)
	if err != nil {
		return 0, err
	}
	return status.Viewers, nil
}

func (g *HTTPGateway) streamStatus(ctx context.Context, channelID uuid.UUID) (*sfuStreamStatus, error) {
	url := fmt.Sprintf("%s/api/streams/%s", g.baseURL, channelID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSfuUnreachable, err)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSfuUnreachable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		// unknown stream means not active, not a transport failure
		return &sfuStreamStatus{}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrSfuUnreachable, resp.StatusCode)
	}
	var status sfuStreamStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrSfuUnreachable, err)
	}
	return &status, nil
}

// NotifyStreamStarted tells the SFU a session began. Best-effort.
func (g *HTTPGateway) NotifyStreamStarted(ctx context.Context, channelID uuid.UUID, sessionID string) bool {
	return g.notify(ctx, channelID, sessionID, "start")
}

// NotifyStreamStopped tells the SFU a session ended. Best-effort; sessionID
// may be empty when the caller no longer knows it.
func (g *HTTPGateway) NotifyStreamStopped(ctx context.Context, channelID uuid.UUID, sessionID string) bool {
	return g.notify(ctx, channelID, sessionID, "stop")
}

func (g *HTTPGateway) notify(ctx context.Context, channelID uuid.UUID, sessionID, action string) bool {
	body, _ := json.Marshal(map[string]string{"session_id": sessionID})
	url := fmt.Sprintf("%s/api/streams/%s/%s", g.baseURL, channelID, action)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := g.client.Do(req)
	if err != nil {
		g.logger.Warn("sfu notify failed",
			zap.String("action", action),
			zap.String("channel_id", channelID.String()),
			zap.Error(err),
		)
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// RecordingURL returns the SFU endpoint serving the finished session's
// recording file, consumed by the VOD upload worker.
func (g *HTTPGateway) RecordingURL(channelID uuid.UUID, sessionID string) string {
	return fmt.Sprintf("%s/api/recordings/%s/%s", g.baseURL, channelID, sessionID)
}
