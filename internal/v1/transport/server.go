package transport

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tokenboard/server/internal/v1/gamestate"
	"github.com/tokenboard/server/internal/v1/logging"
	"github.com/tokenboard/server/internal/v1/ratelimit"
)

// Server wires WebSocket connections into the game state hub.
type Server struct {
	hub            *gamestate.Hub
	limiter        *ratelimit.Limiter
	allowedOrigins []string
	livenessExpiry time.Duration

	mu          sync.Mutex
	connectedIP map[string]int
}

// NewServer constructs a Server. allowedOrigins entries are full origins
// (scheme + host), e.g. "https://boards.example.com".
func NewServer(hub *gamestate.Hub, limiter *ratelimit.Limiter, allowedOrigins []string, livenessExpiry time.Duration) *Server {
	return &Server{
		hub:            hub,
		limiter:        limiter,
		allowedOrigins: allowedOrigins,
		livenessExpiry: livenessExpiry,
		connectedIP:    make(map[string]int),
	}
}

// ServeWs handles GET /ws/room/:roomId: validates the room id, checks
// Origin, upgrades to WebSocket, and drives the connection until it
// closes.
func (s *Server) ServeWs(c *gin.Context) {
	roomID := c.Param("roomId")
	if !ValidateRoomID(roomID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ERR_INVALID_UUID"})
		return
	}

	if err := validateOrigin(c.Request, s.allowedOrigins); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return validateOrigin(r, s.allowedOrigins) == nil
		},
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Error(c.Request.Context(), "websocket upgrade failed", zap.Error(err))
		return
	}

	clientIP := c.ClientIP()
	s.trackIP(clientIP, 1)
	defer s.trackIP(clientIP, -1)

	code, reason := Serve(context.Background(), conn, s.hub, roomID, clientIP)
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	_ = conn.Close()
}

func (s *Server) trackIP(ip string, delta int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectedIP[ip] += delta
	if s.connectedIP[ip] <= 0 {
		delete(s.connectedIP, ip)
	}
}

func (s *Server) connectedIPs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ips := make([]string, 0, len(s.connectedIP))
	for ip := range s.connectedIP {
		ips = append(ips, ip)
	}
	return ips
}

// RunLivenessLoop periodically calls refresh_server_liveness with the
// current connected-IP set, on a jittered interval per §4.5, until ctx is
// cancelled.
func (s *Server) RunLivenessLoop(ctx context.Context) {
	base := s.livenessExpiry / 3
	jitter := s.livenessExpiry / 16

	for {
		interval := base + time.Duration(jitterOffset(jitter))
		select {
		case <-time.After(interval):
			if err := s.limiter.RefreshServerLiveness(ctx, s.connectedIPs()); err != nil {
				logging.Warn(ctx, "failed to refresh server liveness", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// jitterOffset returns a pseudo-random offset in [-jitter, +jitter],
// derived from the current time rather than math/rand so the liveness
// loop needs no seeding and stays cheap to call every tick.
func jitterOffset(jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return 0
	}
	n := time.Now().UnixNano() % int64(2*jitter)
	return time.Duration(n) - jitter
}

// validateOrigin checks the request's Origin header (when present) against
// allowedOrigins, matching on scheme+host, the teacher's allowlist pattern.
func validateOrigin(r *http.Request, allowedOrigins []string) error {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return nil
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return err
	}

	for _, allowed := range allowedOrigins {
		allowedURL, err := url.Parse(strings.TrimSpace(allowed))
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return nil
		}
	}

	return errOriginNotAllowed
}

var errOriginNotAllowed = &originError{}

type originError struct{}

func (e *originError) Error() string { return "origin not allowed" }
