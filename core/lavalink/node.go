package lavalink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"QFMBot/logger"

	"github.com/gorilla/websocket"
)

// NodeConfig describes one Lavalink node.
type NodeConfig struct {
	Host       string
	Port       string
	Password   string
	Secure     bool
	UserID     string
	ClientName string
	// ResumeTimeout is how long, in seconds, the node keeps players after the socket drops.
	ResumeTimeout  int
	ReconnectDelay time.Duration
}

func (c NodeConfig) restURL() string {
	scheme := "http"
	if c.Secure {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%s", scheme, c.Host, c.Port)
}

func (c NodeConfig) socketURL() string {
	scheme := "ws"
	if c.Secure {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s:%s/v4/websocket", scheme, c.Host, c.Port)
}

type nodeListener interface {
	handle(msg incoming)
	nodeDown(err error)
}

// Node is the event socket of a Lavalink node. It redials on its own after
// the connection drops and resumes the previous session when it can.
type Node struct {
	cfg    NodeConfig
	rest   *Client
	dialer *websocket.Dialer

	mu        sync.RWMutex
	conn      *websocket.Conn
	sessionID string
	ready     chan struct{}
	listener  nodeListener
	closed    bool
	done      chan struct{}
}

// NewNode 创建节点连接
func NewNode(cfg NodeConfig) *Node {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.ClientName == "" {
		cfg.ClientName = "QFMBot/1.0"
	}
	return &Node{
		cfg:    cfg,
		rest:   NewClient(cfg.restURL(), cfg.Password),
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// REST returns the node's REST client.
func (n *Node) REST() *Client { return n.rest }

// SessionID returns the current session, empty until the node sent ready.
func (n *Node) SessionID() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.sessionID
}

func (n *Node) setListener(l nodeListener) {
	n.mu.Lock()
	n.listener = l
	n.mu.Unlock()
}

// Connect dials the node and waits for its ready op.
func (n *Node) Connect(ctx context.Context) error {
	n.mu.RLock()
	ready := n.ready
	n.mu.RUnlock()

	if err := n.dial(ctx); err != nil {
		return err
	}
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for lavalink ready: %w", ctx.Err())
	}
}

func (n *Node) dial(ctx context.Context) error {
	headers := http.Header{}
	headers.Set("Authorization", n.cfg.Password)
	headers.Set("User-Id", n.cfg.UserID)
	headers.Set("Client-Name", n.cfg.ClientName)
	if sid := n.SessionID(); sid != "" {
		headers.Set("Session-Id", sid)
	}

	conn, _, err := n.dialer.DialContext(ctx, n.cfg.socketURL(), headers)
	if err != nil {
		return fmt.Errorf("failed to connect to lavalink %s: %w", n.cfg.socketURL(), err)
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		conn.Close()
		return errors.New("lavalink node closed")
	}
	n.conn = conn
	n.mu.Unlock()

	logger.Info("connected to lavalink", logger.String("url", n.cfg.socketURL()))
	go n.readMessages(conn)
	return nil
}

func (n *Node) readMessages(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			n.handleDisconnect(conn, err)
			return
		}

		var msg incoming
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Debug("ignoring malformed lavalink message", logger.ErrorField(err))
			continue
		}
		n.handleMessage(msg)
	}
}

func (n *Node) handleMessage(msg incoming) {
	if msg.Op == "ready" {
		n.mu.Lock()
		n.sessionID = msg.SessionID
		select {
		case <-n.ready:
		default:
			close(n.ready)
		}
		n.mu.Unlock()

		logger.Info("lavalink session ready",
			logger.String("sessionId", msg.SessionID),
			logger.Bool("resumed", msg.Resumed))
		if n.cfg.ResumeTimeout > 0 {
			go n.configureResuming(msg.SessionID)
		}
	}

	n.mu.RLock()
	l := n.listener
	n.mu.RUnlock()
	if l != nil {
		l.handle(msg)
	}
}

func (n *Node) configureResuming(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := n.rest.ConfigureResuming(ctx, sessionID, n.cfg.ResumeTimeout); err != nil {
		logger.Warn("failed to enable session resuming", logger.ErrorField(err))
	}
}

func (n *Node) handleDisconnect(conn *websocket.Conn, cause error) {
	n.mu.Lock()
	if n.conn == conn {
		n.conn = nil
	}
	closed := n.closed
	l := n.listener
	n.mu.Unlock()
	conn.Close()

	if closed {
		return
	}
	logger.Warn("lavalink connection lost", logger.ErrorField(cause))
	if l != nil {
		l.nodeDown(cause)
	}
	go n.reconnect()
}

func (n *Node) reconnect() {
	for attempt := 1; ; attempt++ {
		select {
		case <-n.done:
			return
		case <-time.After(n.cfg.ReconnectDelay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := n.dial(ctx)
		cancel()
		if err == nil {
			return
		}
		logger.Warn("lavalink reconnect failed",
			logger.Int("attempt", attempt),
			logger.ErrorField(err))
	}
}

// Close shuts the socket down for good.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	close(n.done)
	conn := n.conn
	n.conn = nil
	n.mu.Unlock()

	if conn == nil {
		return nil
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return conn.Close()
}
