package ws

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/exchange/spot/pkg/logger"
)

// Config WebSocket 服务配置
type Config struct {
	AllowedOrigins          []string
	MaxSubscriptionsPerConn int
}

// Server WebSocket 服务器
type Server struct {
	hub     *Hub
	log     *logger.Logger
	clients map[*Client]bool
	mu      sync.RWMutex

	upgrader websocket.Upgrader
	cfg      Config
}

// Client WebSocket 客户端
type Client struct {
	conn          *websocket.Conn
	server        *Server
	subscriptions map[string]chan []byte
	send          chan []byte
	mu            sync.Mutex
	closed        chan struct{}
	closeOnce     sync.Once
}

// NewServer 创建 WebSocket 服务器
func NewServer(hub *Hub, log *logger.Logger, cfg *Config) *Server {
	c := Config{MaxSubscriptionsPerConn: 50}
	if cfg != nil {
		if cfg.AllowedOrigins != nil {
			c.AllowedOrigins = cfg.AllowedOrigins
		}
		if cfg.MaxSubscriptionsPerConn > 0 {
			c.MaxSubscriptionsPerConn = cfg.MaxSubscriptionsPerConn
		}
	}

	s := &Server{
		hub:     hub,
		log:     log,
		clients: make(map[*Client]bool),
		cfg:     c,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return allowOrigin(r, s.cfg.AllowedOrigins)
		},
	}
	return s
}

// HandleWS 处理 WebSocket 连接
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("ws upgrade failed")
		return
	}

	client := &Client{
		conn:          conn,
		server:        s,
		subscriptions: make(map[string]chan []byte),
		send:          make(chan []byte, 256),
		closed:        make(chan struct{}),
	}

	s.mu.Lock()
	s.clients[client] = true
	s.mu.Unlock()

	go client.writePump()
	go client.readPump()
}

// WsRequest WebSocket 请求
type WsRequest struct {
	Op      string `json:"op"`
	Channel string `json:"channel"`
}

// WsResponse WebSocket 响应
type WsResponse struct {
	Op      string `json:"op,omitempty"`
	Channel string `json:"channel,omitempty"`
	Success bool   `json:"success,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (c *Client) readPump() {
	defer func() {
		c.close()
		c.server.removeClient(c)
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			break
		}

		var req WsRequest
		if err := json.Unmarshal(message, &req); err != nil {
			c.sendError("invalid request")
			continue
		}
		c.handleRequest(&req)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.closed:
			return
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleRequest(req *WsRequest) {
	switch req.Op {
	case "subscribe":
		c.subscribe(req.Channel)
	case "unsubscribe":
		c.unsubscribe(req.Channel)
	case "ping":
		c.sendResponse(&WsResponse{Op: "pong"})
	default:
		c.sendError("unknown op")
	}
}

func (c *Client) subscribe(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := validateChannel(channel); err != nil {
		c.sendError(err.Error())
		return
	}
	if max := c.server.cfg.MaxSubscriptionsPerConn; max > 0 && len(c.subscriptions) >= max {
		c.sendError("too many subscriptions")
		return
	}
	if _, exists := c.subscriptions[channel]; exists {
		c.sendResponse(&WsResponse{Op: "subscribe", Channel: channel, Success: true})
		return
	}

	ch := c.server.hub.Subscribe(channel)
	c.subscriptions[channel] = ch

	go func() {
		for payload := range ch {
			c.trySend(payload)
		}
	}()

	c.sendResponse(&WsResponse{Op: "subscribe", Channel: channel, Success: true})
}

func (c *Client) unsubscribe(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, exists := c.subscriptions[channel]
	if !exists {
		c.sendResponse(&WsResponse{Op: "unsubscribe", Channel: channel, Success: true})
		return
	}

	c.server.hub.Unsubscribe(channel, ch)
	delete(c.subscriptions, channel)

	c.sendResponse(&WsResponse{Op: "unsubscribe", Channel: channel, Success: true})
}

func (c *Client) sendResponse(resp *WsResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	c.trySend(data)
}

func (c *Client) sendError(msg string) {
	c.sendResponse(&WsResponse{Error: msg})
}

func (c *Client) trySend(data []byte) {
	select {
	case <-c.closed:
		return
	default:
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}

func (s *Server) removeClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		c.close()

		c.mu.Lock()
		for channel, ch := range c.subscriptions {
			s.hub.Unsubscribe(channel, ch)
		}
		c.subscriptions = make(map[string]chan []byte)
		c.mu.Unlock()
	}
}

// ClientCount 在线客户端数量
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// CloseAll 关闭所有连接
func (s *Server) CloseAll() {
	s.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(s.clients))
	for c := range s.clients {
		conns = append(conns, c.conn)
	}
	s.mu.RUnlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
}

func allowOrigin(r *http.Request, allowed []string) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		// 非浏览器客户端通常不带 Origin
		return true
	}
	for _, o := range allowed {
		o = strings.TrimSpace(o)
		if o == "" {
			continue
		}
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// validateChannel 频道格式 market.<SYMBOL>.(book|trades|ticker)
func validateChannel(channel string) error {
	if channel == "" || len(channel) > 128 {
		return fmt.Errorf("invalid channel")
	}
	parts := strings.Split(channel, ".")
	if len(parts) != 3 || parts[0] != "market" {
		return fmt.Errorf("invalid channel")
	}
	sym := parts[1]
	if len(sym) < 1 || len(sym) > 32 {
		return fmt.Errorf("invalid symbol")
	}
	for i := 0; i < len(sym); i++ {
		b := sym[i]
		if !(b >= 'A' && b <= 'Z') && !(b >= '0' && b <= '9') && b != '-' {
			return fmt.Errorf("invalid symbol")
		}
	}
	switch parts[2] {
	case "book", "trades", "ticker":
		return nil
	default:
		return fmt.Errorf("invalid channel")
	}
}
