package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"databot/internal/domain"
	"databot/internal/metrics"
)

const (
	webMaxBodySize    = 1 << 20 // 1MB
	webRequestTimeout = 120 * time.Second
)

// Web exposes the agent over HTTP: a synchronous chat endpoint, an SSE
// streaming endpoint, health, and metrics.
type Web struct {
	host      string
	port      int
	logger    *slog.Logger
	collector *metrics.Collector

	bus    domain.MessageBus
	server *http.Server

	// pending replies for synchronous requests, keyed by chat ID. Each
	// chat ID keeps a FIFO of waiters so concurrent requests on the same
	// chat are answered in publish order instead of clobbering each other.
	pendingMu sync.Mutex
	pending   map[string][]chan string

	// live SSE subscribers, keyed by chat ID
	streamMu sync.RWMutex
	streams  map[string]chan domain.StreamEvent
}

type ServerConfig struct {
	Host      string
	Port      int
	Logger    *slog.Logger
	Collector *metrics.Collector
}

func NewWeb(cfg ServerConfig) *Web {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Web{
		host:      cfg.Host,
		port:      cfg.Port,
		logger:    cfg.Logger,
		collector: cfg.Collector,
		pending:   make(map[string][]chan string),
		streams:   make(map[string]chan domain.StreamEvent),
	}
}

func (w *Web) Name() string { return "web" }

// Start serves HTTP until ctx is cancelled.
func (w *Web) Start(ctx context.Context, bus domain.MessageBus) error {
	w.attach(bus)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", w.handleHealth)
	mux.HandleFunc("/chat", w.handleChat)
	mux.HandleFunc("/chat/stream", w.handleChatStream)
	if w.collector != nil {
		mux.HandleFunc("/metrics", w.collector.Handler())
	}

	w.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", w.host, w.port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		w.logger.Info("web channel listening", "addr", w.server.Addr)
		if err := w.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = w.server.Shutdown(shutdownCtx)
		w.logger.Info("web channel stopped")
		return nil
	case err := <-errCh:
		return fmt.Errorf("web server: %w", err)
	}
}

// attach subscribes to bus traffic so handlers can resolve replies.
func (w *Web) attach(bus domain.MessageBus) {
	w.bus = bus

	bus.OnOutbound(func(msg domain.OutboundMessage) {
		if msg.Channel != "web" {
			return
		}
		w.pendingMu.Lock()
		var ch chan string
		if queue := w.pending[msg.ChatID]; len(queue) > 0 {
			ch = queue[0]
			if len(queue) == 1 {
				delete(w.pending, msg.ChatID)
			} else {
				w.pending[msg.ChatID] = queue[1:]
			}
		}
		w.pendingMu.Unlock()
		if ch != nil {
			select {
			case ch <- msg.Content:
			default:
			}
		}
	})

	bus.OnStream(func(evt domain.StreamEvent) {
		if evt.Channel != "web" {
			return
		}
		w.streamMu.RLock()
		ch, ok := w.streams[evt.ChatID]
		w.streamMu.RUnlock()
		if ok {
			select {
			case ch <- evt:
			default:
				w.logger.Warn("dropping stream event for slow SSE client", "chat_id", evt.ChatID)
			}
		}
	})
}

func (w *Web) handleHealth(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(rw).Encode(map[string]string{"status": "ok"})
}

type chatRequest struct {
	Message string `json:"message"`
	ChatID  string `json:"chat_id,omitempty"`
}

type chatResponse struct {
	Reply  string `json:"reply"`
	ChatID string `json:"chat_id"`
}

func (w *Web) handleChat(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(rw, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req chatRequest
	body := http.MaxBytesReader(rw, r.Body, webMaxBodySize)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		http.Error(rw, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.Message == "" {
		http.Error(rw, "message is required", http.StatusBadRequest)
		return
	}
	if req.ChatID == "" {
		req.ChatID = uuid.NewString()
	}

	// Enqueue the waiter and publish under one lock so the waiter order
	// matches the inbound publish order for this chat ID.
	replyCh := make(chan string, 1)
	w.pendingMu.Lock()
	w.pending[req.ChatID] = append(w.pending[req.ChatID], replyCh)
	w.bus.PublishInbound(domain.InboundMessage{
		Channel:   "web",
		ChatID:    req.ChatID,
		SenderID:  "web",
		Content:   req.Message,
		Timestamp: time.Now(),
	})
	w.pendingMu.Unlock()
	defer w.removeWaiter(req.ChatID, replyCh)

	select {
	case reply := <-replyCh:
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(chatResponse{Reply: reply, ChatID: req.ChatID})
	case <-time.After(webRequestTimeout):
		http.Error(rw, "timed out waiting for a reply", http.StatusGatewayTimeout)
	case <-r.Context().Done():
	}
}

// removeWaiter drops a reply channel from its chat's FIFO, if still queued.
func (w *Web) removeWaiter(chatID string, ch chan string) {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()
	queue := w.pending[chatID]
	for i, c := range queue {
		if c == ch {
			queue = append(queue[:i], queue[i+1:]...)
			break
		}
	}
	if len(queue) == 0 {
		delete(w.pending, chatID)
	} else {
		w.pending[chatID] = queue
	}
}

func (w *Web) handleChatStream(rw http.ResponseWriter, r *http.Request) {
	message := r.URL.Query().Get("message")
	if message == "" {
		http.Error(rw, "message query parameter is required", http.StatusBadRequest)
		return
	}
	chatID := r.URL.Query().Get("chat_id")
	if chatID == "" {
		chatID = uuid.NewString()
	}

	flusher, ok := rw.(http.Flusher)
	if !ok {
		http.Error(rw, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	rw.Header().Set("Content-Type", "text/event-stream")
	rw.Header().Set("Cache-Control", "no-cache")
	rw.Header().Set("Connection", "keep-alive")

	events := make(chan domain.StreamEvent, 64)
	w.streamMu.Lock()
	w.streams[chatID] = events
	w.streamMu.Unlock()
	defer func() {
		w.streamMu.Lock()
		delete(w.streams, chatID)
		w.streamMu.Unlock()
	}()

	w.bus.PublishInbound(domain.InboundMessage{
		Channel:   "web",
		ChatID:    chatID,
		SenderID:  "web",
		Content:   message,
		Stream:    true,
		Timestamp: time.Now(),
	})

	for {
		select {
		case <-r.Context().Done():
			return
		case evt := <-events:
			data, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			fmt.Fprintf(rw, "event: %s\ndata: %s\n\n", evt.Type, data)
			flusher.Flush()
			if evt.Type == domain.StreamDone || evt.Type == domain.StreamError {
				return
			}
		}
	}
}
