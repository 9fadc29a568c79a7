// Package dashboard streams ingestion activity to browsers over WebSocket.
//
// A Handler turns daemon observer callbacks into Messages. The Server fans
// each Message out to its subscribers, each of which has a bounded send
// queue drained by its own goroutine. A subscriber whose queue is full is
// disconnected rather than allowed to stall the others. The same listener
// serves /health and, when configured, the daemon's prometheus metrics.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	// subscriberQueue is how many frames may wait for one slow client.
	subscriberQueue = 64

	writeTimeout = 5 * time.Second
)

// Config holds server configuration.
type Config struct {
	// Port to listen on (default: 8080, 0 picks a free port)
	Port int

	// Metrics is served on /metrics when set
	Metrics http.Handler

	// Logger for server activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:   8080,
		Logger: log.New(os.Stderr, "[dashboard] ", log.LstdFlags),
	}
}

// subscriber is one connected WebSocket client.
type subscriber struct {
	conn  *websocket.Conn
	queue chan []byte
}

// Server publishes dashboard messages to WebSocket subscribers.
type Server struct {
	addr    string
	metrics http.Handler
	logger  *log.Logger

	http *http.Server
	ln   net.Listener

	mu          sync.Mutex
	subscribers map[*subscriber]struct{}
	snapshot    func() json.RawMessage

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a server. Nothing listens until Start.
func NewServer(config *Config) *Server {
	defaults := DefaultConfig()
	if config == nil {
		config = defaults
	}
	logger := config.Logger
	if logger == nil {
		logger = defaults.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:        fmt.Sprintf(":%d", config.Port),
		metrics:     config.Metrics,
		logger:      logger,
		subscribers: make(map[*subscriber]struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start binds the port and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.ln = ln

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.subscribe)
	mux.HandleFunc("GET /health", s.health)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	mux.HandleFunc("GET /{$}", s.index)

	s.http = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Serving dashboard on %s", ln.Addr())
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("Error: dashboard server: %v", err)
		}
	}()
	return nil
}

// Stop disconnects every subscriber and shuts the listener down.
func (s *Server) Stop() error {
	// Under mu so no subscriber registers after the wait below starts
	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()

	var err error
	if s.http != nil {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if serr := s.http.Shutdown(ctx); serr != nil {
			err = fmt.Errorf("failed to shut down dashboard: %w", serr)
		}
	}
	s.wg.Wait()
	s.logger.Println("Dashboard stopped")
	return err
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// Clients returns the number of connected subscribers.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribers)
}

// Broadcast queues msg for every subscriber without blocking. A subscriber
// that has fallen subscriberQueue frames behind is disconnected.
func (s *Server) Broadcast(msg Message) {
	frame, err := msg.encode()
	if err != nil {
		s.logger.Printf("Error: encoding %s message: %v", msg.Type, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subscribers {
		select {
		case sub.queue <- frame:
		default:
			s.logger.Printf("Dropping slow dashboard client %p", sub)
			s.drop(sub)
		}
	}
}

// setSnapshot sets the source of the stats every new subscriber receives
// first.
func (s *Server) setSnapshot(fn func() json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = fn
}

// drop unregisters sub and closes its queue. Must be called with mu held.
func (s *Server) drop(sub *subscriber) {
	if _, ok := s.subscribers[sub]; !ok {
		return
	}
	delete(s.subscribers, sub)
	close(sub.queue)
}

// subscribe upgrades the request, registers the client with the current
// stats already queued, and drains its queue until either side goes away.
func (s *Server) subscribe(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		s.logger.Printf("Error: websocket upgrade: %v", err)
		return
	}

	sub := &subscriber{conn: conn, queue: make(chan []byte, subscriberQueue)}

	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		_ = conn.Close(websocket.StatusGoingAway, "")
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()
	first := Message{Type: MessageTypeStats}
	if s.snapshot != nil {
		first.Data = s.snapshot()
	}
	if frame, err := first.encode(); err == nil {
		sub.queue <- frame
	}
	s.subscribers[sub] = struct{}{}
	n := len(s.subscribers)
	s.mu.Unlock()

	s.logger.Printf("Dashboard client connected (%d total)", n)

	// Clients only listen. ctx ends when the client disconnects or sends a
	// data frame.
	ctx := conn.CloseRead(s.ctx)
	status := s.pump(ctx, sub)

	s.mu.Lock()
	s.drop(sub)
	n = len(s.subscribers)
	s.mu.Unlock()

	_ = conn.Close(status, "")
	s.logger.Printf("Dashboard client disconnected (%d total)", n)
}

// pump writes queued frames to sub until its queue is closed, the client
// leaves or a write fails. It returns the close status to send.
func (s *Server) pump(ctx context.Context, sub *subscriber) websocket.StatusCode {
	for {
		select {
		case <-ctx.Done():
			if s.ctx.Err() != nil {
				return websocket.StatusGoingAway
			}
			return websocket.StatusNormalClosure
		case frame, ok := <-sub.queue:
			if !ok {
				return websocket.StatusPolicyViolation
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := sub.conn.Write(wctx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				return websocket.StatusInternalError
			}
		}
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"clients": s.Clients(),
	})
}

// index lists the endpoints.
func (s *Server) index(w http.ResponseWriter, r *http.Request) {
	endpoints := map[string]string{
		"events": "ws://" + r.Host + "/ws",
		"health": "/health",
	}
	if s.metrics != nil {
		endpoints["metrics"] = "/metrics"
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"service":   "dirwatch",
		"endpoints": endpoints,
	})
}
