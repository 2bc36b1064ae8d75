package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/opencom/opencom-go/internal/domain/entities/delivery"
	"github.com/opencom/opencom-go/internal/infrastructure/observability/logging"
	"github.com/opencom/opencom-go/pkg/config"
)

// CandidateSnapshot is one frame on the eligibility socket: the full set
// of candidates currently eligible for the visitor.
type CandidateSnapshot struct {
	Candidates []delivery.Candidate `json:"candidates"`
}

// SnapshotHandler receives each eligibility snapshot in arrival order.
type SnapshotHandler func([]delivery.Candidate)

// EligibilityFeed subscribes to the backend's reactive eligibility query
// over a websocket. Each frame replaces the previous candidate set.
type EligibilityFeed struct {
	url     string
	logger  *logging.ChanneledLogger
	handler SnapshotHandler

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

// NewEligibilityFeed creates a feed for the given backend endpoint.
// baseURL is the HTTP endpoint; the socket URL is derived from it.
func NewEligibilityFeed(baseURL string, handler SnapshotHandler, logger *logging.ChanneledLogger) *EligibilityFeed {
	wsURL := strings.Replace(baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	return &EligibilityFeed{
		url:     wsURL + "/api/v1/delivery/eligibility",
		handler: handler,
		logger:  logger,
	}
}

// Subscribe dials the socket and starts the read loop. The session token
// authenticates the subscription. Returns after the dial completes; the
// read loop runs until Close or a read error.
func (f *EligibilityFeed) Subscribe(ctx context.Context, token string) error {
	dialer := websocket.Dialer{HandshakeTimeout: config.SocketDialTimeout}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, _, err := dialer.DialContext(ctx, f.url, header)
	if err != nil {
		return err
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		conn.Close()
		return nil
	}
	if f.conn != nil {
		f.conn.Close()
	}
	f.conn = conn
	f.mu.Unlock()

	go f.readLoop(conn)
	return nil
}

func (f *EligibilityFeed) readLoop(conn *websocket.Conn) {
	for {
		conn.SetReadDeadline(nowPlusReadDeadline())
		_, payload, err := conn.ReadMessage()
		if err != nil {
			f.mu.Lock()
			stillCurrent := f.conn == conn && !f.closed
			if stillCurrent {
				f.conn = nil
			}
			f.mu.Unlock()
			if stillCurrent && f.logger != nil {
				f.logger.Transport().Warn("Eligibility feed disconnected", "error", err.Error())
			}
			return
		}

		var snapshot CandidateSnapshot
		if err := json.Unmarshal(payload, &snapshot); err != nil {
			if f.logger != nil {
				f.logger.Transport().Warn("Dropping malformed eligibility frame", "error", err.Error())
			}
			continue
		}
		f.handler(snapshot.Candidates)
	}
}

// Close tears the subscription down. Safe to call repeatedly.
func (f *EligibilityFeed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	if f.conn != nil {
		f.conn.Close()
		f.conn = nil
	}
}

func nowPlusReadDeadline() time.Time {
	return time.Now().Add(config.SocketReadDeadline)
}

// Connected reports whether a subscription is currently live.
func (f *EligibilityFeed) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conn != nil
}
