package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"QFMBot/core/player"
	"QFMBot/logger"
	"QFMBot/model"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

const (
	sendBuffer   = 64
	pingInterval = 30 * time.Second
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
)

// FeedMessage is one frame of a guild's notice feed.
type FeedMessage struct {
	Type      string       `json:"type"`
	GuildID   string       `json:"guildId,omitempty"`
	ChannelID string       `json:"channelId,omitempty"`
	Track     *model.Track `json:"track,omitempty"`
	Reason    string       `json:"reason,omitempty"`
	Tag       string       `json:"tag,omitempty"`
	Timestamp int64        `json:"timestamp"`
}

// Client 订阅某个服务器的通知流
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	guildID string
}

type broadcast struct {
	guildID string
	data    []byte
}

type unicast struct {
	client *Client
	data   []byte
}

// Hub fans notices out to websocket subscribers, grouped by guild. Only the
// Run goroutine touches the subscriber set.
type Hub struct {
	guilds map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan broadcast
	unicast    chan unicast
	count      chan chan int

	done chan struct{}
}

// NewHub 创建通知 Hub，调用方负责启动 Run
func NewHub() *Hub {
	return &Hub{
		guilds:     make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan broadcast, 256),
		unicast:    make(chan unicast),
		count:      make(chan chan int),
		done:       make(chan struct{}),
	}
}

// Run 启动 Hub 主循环
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			if h.guilds[c.guildID] == nil {
				h.guilds[c.guildID] = make(map[*Client]bool)
			}
			h.guilds[c.guildID][c] = true
			logger.Debug("feed subscriber joined", logger.Guild(c.guildID))

		case c := <-h.unregister:
			h.remove(c)

		case msg := <-h.broadcast:
			for c := range h.guilds[msg.guildID] {
				select {
				case c.send <- msg.data:
				default:
					// 发送缓冲区满，移除客户端
					h.remove(c)
				}
			}

		case msg := <-h.unicast:
			if h.guilds[msg.client.guildID][msg.client] {
				select {
				case msg.client.send <- msg.data:
				default:
				}
			}

		case reply := <-h.count:
			n := 0
			for _, clients := range h.guilds {
				n += len(clients)
			}
			reply <- n

		case <-h.done:
			for _, clients := range h.guilds {
				for c := range clients {
					close(c.send)
				}
			}
			h.guilds = make(map[string]map[*Client]bool)
			return
		}
	}
}

func (h *Hub) remove(c *Client) {
	clients, ok := h.guilds[c.guildID]
	if !ok || !clients[c] {
		return
	}
	delete(clients, c)
	close(c.send)
	if len(clients) == 0 {
		delete(h.guilds, c.guildID)
	}
	logger.Debug("feed subscriber left", logger.Guild(c.guildID))
}

// Stop 停止 Hub，关闭所有订阅
func (h *Hub) Stop() {
	close(h.done)
}

// Subscribers returns the number of connected clients.
func (h *Hub) Subscribers() int {
	reply := make(chan int, 1)
	select {
	case h.count <- reply:
		return <-reply
	case <-h.done:
		return 0
	}
}

// Notify publishes a notice to the guild's subscribers. It never blocks on
// slow clients.
func (h *Hub) Notify(_ context.Context, n player.Notice) error {
	data, err := json.Marshal(FeedMessage{
		Type:      string(n.Kind),
		GuildID:   n.GuildID,
		ChannelID: n.ChannelID,
		Track:     n.Track,
		Reason:    n.Reason,
		Tag:       n.Tag,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	select {
	case h.broadcast <- broadcast{guildID: n.GuildID, data: data}:
	case <-h.done:
	default:
		logger.Warn("feed broadcast queue full, notice dropped", logger.Guild(n.GuildID))
	}
	return nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// FeedHandler upgrades the request and streams the guild's notices.
func (s *Server) FeedHandler(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "feed disabled")
		return
	}
	guildID := mux.Vars(r)["guild"]

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("feed upgrade failed", logger.Guild(guildID), logger.ErrorField(err))
		return
	}

	c := &Client{hub: s.hub, conn: conn, send: make(chan []byte, sendBuffer), guildID: guildID}
	select {
	case s.hub.register <- c:
	case <-s.hub.done:
		conn.Close()
		return
	}

	go c.writePump()
	c.readPump()
}

// readPump answers pings and detects disconnects. Other client frames are ignored.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("feed read error", logger.Guild(c.guildID), logger.ErrorField(err))
			}
			return
		}

		var msg FeedMessage
		if err := json.Unmarshal(message, &msg); err != nil || msg.Type != "ping" {
			continue
		}
		pong, _ := json.Marshal(FeedMessage{Type: "pong", Timestamp: time.Now().UnixMilli()})
		c.hub.direct(c, pong)
	}
}

// direct queues a frame for one client. Sends go through Run so they never
// race with the hub closing the client's channel.
func (h *Hub) direct(c *Client, data []byte) {
	select {
	case h.unicast <- unicast{client: c, data: data}:
	case <-h.done:
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				// Hub 关闭了通道
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
