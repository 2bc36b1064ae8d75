// Command opencom-sandbox runs a local OpenCom backend implementing the
// contract the client runtime consumes: session boot/refresh/revoke,
// heartbeat, visitor identify, event tracking, push token registration
// and the websocket eligibility feed. Intended for local development and
// end-to-end exercise of the runtime; not for production use.
package main

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"

	"github.com/opencom/opencom-go/internal/domain/entities/delivery"
	"github.com/opencom/opencom-go/internal/infrastructure/security"
	"github.com/opencom/opencom-go/pkg/config"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found -- config defaults will be used")
	}

	s := newSandbox()

	r := gin.Default()
	r.SetTrustedProxies([]string{"127.0.0.1", "::1"})
	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	api := r.Group("/api/v1")
	{
		api.POST("/session/boot", s.handleBoot)
		api.POST("/session/refresh", s.authed(s.handleRefresh))
		api.POST("/session/revoke", s.authed(s.handleRevoke))
		api.POST("/session/heartbeat", s.authed(s.handleHeartbeat))
		api.POST("/visitor/identify", s.authed(s.handleIdentify))
		api.POST("/events/track", s.authed(s.handleTrack))
		api.POST("/events/track-auto", s.authed(s.handleTrack))
		api.GET("/conversations", s.authed(s.handleConversations))
		api.POST("/push/register", s.authed(s.handlePushRegister))
		api.POST("/push/unregister", s.authed(s.handlePushUnregister))
		api.GET("/delivery/eligibility", s.handleEligibility)
	}

	log.Printf("OpenCom sandbox listening on :%s (workspace %s)", config.SandboxPort, config.SandboxWorkspaceID)
	srv := &http.Server{
		Addr:         ":" + config.SandboxPort,
		Handler:      r,
		ReadTimeout:  config.SandboxReadTimeout,
		WriteTimeout: config.SandboxWriteTimeout,
	}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Sandbox server failed: %v", err)
	}
}

type sandbox struct {
	mu         sync.Mutex
	visitors   map[string]string // sessionId -> visitorId
	pushTokens map[string]string // visitorId -> token
	upgrader   websocket.Upgrader
}

func newSandbox() *sandbox {
	return &sandbox{
		visitors:   make(map[string]string),
		pushTokens: make(map[string]string),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (s *sandbox) signToken(visitorID, sessionID string) (string, time.Time, error) {
	expiresAt := time.Now().UTC().Add(config.SandboxTokenTTL)
	claims := jwt.MapClaims{
		"visitorId":   visitorID,
		"sessionId":   sessionID,
		"workspaceId": config.SandboxWorkspaceID,
		"iat":         time.Now().UTC().Unix(),
		"exp":         expiresAt.Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(config.SandboxJWTSecret))
	return token, expiresAt, err
}

// authed validates the bearer token before invoking the handler.
func (s *sandbox) authed(handler gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		const prefix = "Bearer "
		if len(header) <= len(prefix) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		claims, err := security.ValidateToken(header[len(prefix):], config.SandboxJWTSecret)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		if visitorID, ok := claims["visitorId"].(string); ok {
			c.Set("visitorId", visitorID)
		}
		handler(c)
	}
}

func (s *sandbox) handleBoot(c *gin.Context) {
	var req struct {
		WorkspaceID string `json:"workspaceId"`
		SessionID   string `json:"sessionId"`
		VisitorID   string `json:"visitorId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.SessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session id required"})
		return
	}

	s.mu.Lock()
	visitorID := req.VisitorID
	if visitorID == "" {
		if existing, ok := s.visitors[req.SessionID]; ok {
			visitorID = existing
		} else {
			visitorID = security.GenerateULID()
		}
	}
	s.visitors[req.SessionID] = visitorID
	s.mu.Unlock()

	token, expiresAt, err := s.signToken(visitorID, req.SessionID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token signing failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"visitorId": visitorID,
		"sessionId": req.SessionID,
		"token":     token,
		"expiresAt": expiresAt.Format(time.RFC3339),
	})
}

func (s *sandbox) handleRefresh(c *gin.Context) {
	var req struct {
		SessionID string `json:"sessionId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.SessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session id required"})
		return
	}

	token, expiresAt, err := s.signToken(c.GetString("visitorId"), req.SessionID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token signing failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":     token,
		"expiresAt": expiresAt.Format(time.RFC3339),
	})
}

func (s *sandbox) handleRevoke(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

func (s *sandbox) handleHeartbeat(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

func (s *sandbox) handleIdentify(c *gin.Context) {
	var req map[string]any
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed identify payload"})
		return
	}
	log.Printf("identify: %v", req)
	c.Status(http.StatusNoContent)
}

func (s *sandbox) handleTrack(c *gin.Context) {
	var req struct {
		Name string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "event name required"})
		return
	}
	log.Printf("event tracked: %s (visitor %s)", req.Name, c.GetString("visitorId"))
	c.Status(http.StatusNoContent)
}

func (s *sandbox) handleConversations(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"conversations": []gin.H{
			{
				"id":          "conv-welcome",
				"lastMessage": "Welcome to the sandbox! Ask us anything.",
				"unreadCount": 1,
				"updatedAt":   time.Now().UTC().Format(time.RFC3339),
			},
		},
	})
}

func (s *sandbox) handlePushRegister(c *gin.Context) {
	var req struct {
		VisitorID string `json:"visitorId"`
		Token     string `json:"token"`
		Platform  string `json:"platform"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Token == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "push token required"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.pushTokens[req.VisitorID]; ok && existing != req.Token {
		c.JSON(http.StatusConflict, gin.H{"error": "stale token still registered"})
		return
	}
	s.pushTokens[req.VisitorID] = req.Token
	c.Status(http.StatusNoContent)
}

func (s *sandbox) handlePushUnregister(c *gin.Context) {
	var req struct {
		VisitorID string `json:"visitorId"`
		Token     string `json:"token"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed unregister payload"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pushTokens, req.VisitorID)
	c.Status(http.StatusNoContent)
}

// handleEligibility upgrades to a websocket and pushes a canned candidate
// snapshot, then keeps the socket open.
func (s *sandbox) handleEligibility(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	snapshot := map[string][]delivery.Candidate{
		"candidates": {
			{
				ID:      "banner-hello",
				Type:    delivery.TypeBanner,
				Content: "Hello from the sandbox",
				Trigger: delivery.TriggerRule{Kind: delivery.TriggerImmediate},
			},
			{
				ID:      "survey-nps",
				Type:    delivery.TypeSurvey,
				Content: "How likely are you to recommend us?",
				Trigger: delivery.TriggerRule{Kind: delivery.TriggerTimeOnPage, ThresholdSeconds: 10},
			},
		},
	}
	if err := conn.WriteJSON(snapshot); err != nil {
		return
	}

	// Keep the subscription open until the client goes away.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
