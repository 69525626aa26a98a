package service

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"quiz_sync_backend/internal/protocol"
	"quiz_sync_backend/pkg/logger"
	"quiz_sync_backend/pkg/monitoring"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = (pongWait * 9) / 10
	maxMessageSize   = 4096
	shardCount       = 32
	sendBufferSize   = 256
	minSweepInterval = 5 * time.Second
	welcomeMessage   = "Connected to quiz sync server"
	onlineKeyPrefix  = "quiz_sync:online:"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type Client struct {
	Hub     *SyncHub
	Conn    *websocket.Conn
	Send    chan []byte
	ID      string
	Limiter *rate.Limiter // 限流器
}

func (c *Client) readPump() {
	defer func() {
		c.Hub.Unregister(c)
		c.Conn.Close()
	}()
	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error { c.Conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Log.Warn("WebSocket unexpected close", zap.Error(err), zap.String("conn", c.ID))
			}
			break
		}
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))

		// 每秒最多 30 条消息，允许突发 50 条
		if !c.Limiter.Allow() {
			continue
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			logger.Log.Debug("Ignoring client message", zap.Error(err), zap.String("conn", c.ID))
			continue
		}
		monitoring.HubMessages.WithLabelValues(string(msg.Kind()), "in").Inc()
		c.Hub.handle(c, msg)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			// 每条消息单独一帧，客户端按帧解析 JSON
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// trySend never blocks; the message is dropped when the buffer is full
func (c *Client) trySend(payload []byte) bool {
	select {
	case c.Send <- payload:
		return true
	default:
		return false
	}
}

type shard struct {
	clients map[string]*Client
	mu      sync.RWMutex
}

type presenceInfo struct {
	lastSeen time.Time
	conns    map[string]struct{}
}

type HubOptions struct {
	PresenceTTL time.Duration
	Channel     string
	Clock       clockwork.Clock
}

// SyncHub 是推送通道：广播写入事件，并维护在线状态
type SyncHub struct {
	shards     [shardCount]*shard
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	stopOnce   sync.Once
	clients    atomic.Int64

	Redis   *redis.Client
	channel string
	clock   clockwork.Clock

	presMu      sync.Mutex
	presenceTTL time.Duration
	presence    map[string]*presenceInfo
	connUser    map[string]string

	ctx context.Context
}

func NewSyncHub(rdb *redis.Client, opts HubOptions) *SyncHub {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.PresenceTTL <= 0 {
		opts.PresenceTTL = 45 * time.Second
	}
	if opts.Channel == "" {
		opts.Channel = "quiz_sync_channel"
	}
	h := &SyncHub{
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		done:        make(chan struct{}),
		Redis:       rdb,
		channel:     opts.Channel,
		clock:       opts.Clock,
		presenceTTL: opts.PresenceTTL,
		presence:    make(map[string]*presenceInfo),
		connUser:    make(map[string]string),
		ctx:         context.Background(),
	}
	for i := 0; i < shardCount; i++ {
		h.shards[i] = &shard{
			clients: make(map[string]*Client),
		}
	}
	return h
}

func (h *SyncHub) getShard(connID string) *shard {
	f := fnv.New32a()
	f.Write([]byte(connID))
	return h.shards[f.Sum32()%shardCount]
}

type pubSubMessage struct {
	Payload json.RawMessage `json:"payload"`
}

// Run 处理注册、注销与在线状态清理，直到 ctx 结束
func (h *SyncHub) Run(ctx context.Context) {
	if h.Redis != nil {
		pubsub := h.Redis.Subscribe(ctx, h.channel)
		defer pubsub.Close()
		go func() {
			for msg := range pubsub.Channel() {
				var psMsg pubSubMessage
				if err := json.Unmarshal([]byte(msg.Payload), &psMsg); err != nil {
					logger.Log.Error("PubSub unmarshal error", zap.Error(err))
					continue
				}
				h.deliverLocal(psMsg.Payload)
			}
		}()
	}

	sweep := h.clock.NewTicker(h.sweepInterval())
	defer sweep.Stop()

	for {
		select {
		case client := <-h.register:
			s := h.getShard(client.ID)
			s.mu.Lock()
			s.clients[client.ID] = client
			s.mu.Unlock()
			n := h.clients.Add(1)
			monitoring.HubConnections.Set(float64(n))

			h.sendTo(client, protocol.Connected{Message: welcomeMessage, Clients: int(n)})
			h.sendTo(client, protocol.PresenceSnapshot{Users: h.OnlineUsers(), Timestamp: h.now()})

		case client := <-h.unregister:
			s := h.getShard(client.ID)
			s.mu.Lock()
			if _, ok := s.clients[client.ID]; ok {
				delete(s.clients, client.ID)
				monitoring.HubConnections.Set(float64(h.clients.Add(-1)))
				close(client.Send)
			}
			s.mu.Unlock()
			h.dropConnection(client.ID)

		case <-sweep.Chan():
			// 热更新后的 TTL 从下一轮开始生效
			sweep.Reset(h.sweepInterval())
			h.SweepPresence()

		case <-ctx.Done():
			h.Stop()
			return
		}
	}
}

func (h *SyncHub) sweepInterval() time.Duration {
	h.presMu.Lock()
	defer h.presMu.Unlock()
	if d := h.presenceTTL / 3; d > minSweepInterval {
		return d
	}
	return minSweepInterval
}

// Register 在 hub 停止后直接关闭连接
func (h *SyncHub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *SyncHub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *SyncHub) handle(c *Client, msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.Ping:
		h.sendTo(c, protocol.Pong{Timestamp: h.now()})
	case protocol.Identify:
		username := strings.TrimSpace(m.Username)
		if username == "" {
			return
		}
		h.touch(c.ID, username, true)
		h.Broadcast(protocol.UserOnline{Username: username, Timestamp: h.now()})
	case protocol.Heartbeat:
		username := strings.TrimSpace(m.Username)
		if username == "" {
			h.presMu.Lock()
			username = h.connUser[c.ID]
			h.presMu.Unlock()
		}
		if username == "" {
			return
		}
		h.touch(c.ID, username, false)
	case protocol.Subscribe:
		h.sendTo(c, protocol.Subscribed{QuestionID: m.QuestionID})
	case protocol.Connected, protocol.PresenceSnapshot, protocol.UserOnline, protocol.UserOffline,
		protocol.AnswerSubmitted, protocol.BatchSubmitted, protocol.Pong, protocol.Subscribed:
		// 仅服务端下发的消息，忽略
	}
}

// touch 记录连接所属用户并刷新 lastSeen
func (h *SyncHub) touch(connID, username string, identify bool) {
	h.presMu.Lock()
	info, ok := h.presence[username]
	if !ok {
		info = &presenceInfo{conns: make(map[string]struct{})}
		h.presence[username] = info
	}
	prev, mapped := h.connUser[connID]
	if identify && mapped && prev != username {
		if old := h.presence[prev]; old != nil {
			delete(old.conns, connID)
		}
	}
	if identify || !mapped {
		h.connUser[connID] = username
	}
	info.conns[connID] = struct{}{}
	info.lastSeen = h.clock.Now()
	ttl := h.presenceTTL
	online := len(h.presence)
	h.presMu.Unlock()

	monitoring.HubOnlineUsers.Set(float64(online))
	if h.Redis != nil {
		key := onlineKeyPrefix + username
		if err := h.Redis.Set(h.ctx, key, "true", ttl).Err(); err != nil {
			logger.Log.Warn("Redis presence update failed", zap.Error(err))
		}
	}
}

// dropConnection 连接断开时只移除连接，离线广播交给 TTL 清理，便于快速重连
func (h *SyncHub) dropConnection(connID string) {
	h.presMu.Lock()
	defer h.presMu.Unlock()
	username, ok := h.connUser[connID]
	if !ok {
		return
	}
	delete(h.connUser, connID)
	if info := h.presence[username]; info != nil {
		delete(info.conns, connID)
		if len(info.conns) == 0 {
			info.lastSeen = h.clock.Now()
		}
	}
}

// SweepPresence 清理超过 TTL 未活动的用户并广播离线
func (h *SyncHub) SweepPresence() []string {
	now := h.clock.Now()
	var expired []string

	h.presMu.Lock()
	for username, info := range h.presence {
		if now.Sub(info.lastSeen) > h.presenceTTL {
			expired = append(expired, username)
			delete(h.presence, username)
		}
	}
	for connID, username := range h.connUser {
		if slices.Contains(expired, username) {
			delete(h.connUser, connID)
		}
	}
	online := len(h.presence)
	h.presMu.Unlock()

	if len(expired) == 0 {
		return nil
	}
	slices.Sort(expired)
	monitoring.HubOnlineUsers.Set(float64(online))

	if h.Redis != nil {
		pipe := h.Redis.Pipeline()
		for _, username := range expired {
			pipe.Del(h.ctx, onlineKeyPrefix+username)
		}
		if _, err := pipe.Exec(h.ctx); err != nil {
			logger.Log.Error("Redis pipeline error", zap.Error(err))
		}
	}
	for _, username := range expired {
		h.Broadcast(protocol.UserOffline{Username: username, Timestamp: now.UnixMilli()})
	}
	logger.Log.Debug("Presence expired", zap.Strings("users", expired))
	return expired
}

// OnlineUsers 返回仍有连接且未超时的用户
func (h *SyncHub) OnlineUsers() []string {
	now := h.clock.Now()
	h.presMu.Lock()
	users := make([]string, 0, len(h.presence))
	for username, info := range h.presence {
		if len(info.conns) > 0 && now.Sub(info.lastSeen) < h.presenceTTL {
			users = append(users, username)
		}
	}
	h.presMu.Unlock()
	slices.Sort(users)
	return users
}

// IsUserOnline 先查本地，再查 Redis（多实例部署）
func (h *SyncHub) IsUserOnline(username string) bool {
	if slices.Contains(h.OnlineUsers(), username) {
		return true
	}
	if h.Redis == nil {
		return false
	}
	val, err := h.Redis.Get(h.ctx, onlineKeyPrefix+username).Result()
	return err == nil && val == "true"
}

func (h *SyncHub) SetPresenceTTL(ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	h.presMu.Lock()
	h.presenceTTL = ttl
	h.presMu.Unlock()
}

// Broadcast 发送给所有连接。配置了 Redis 时经由频道分发到所有实例。
func (h *SyncHub) Broadcast(msg protocol.Message) int {
	payload, err := protocol.Encode(msg)
	if err != nil {
		logger.Log.Error("Encode broadcast failed", zap.Error(err))
		return 0
	}
	monitoring.HubMessages.WithLabelValues(string(msg.Kind()), "out").Inc()

	if h.Redis != nil {
		envelope, _ := json.Marshal(pubSubMessage{Payload: payload})
		err := h.Redis.Publish(h.ctx, h.channel, envelope).Err()
		if err == nil {
			return h.ConnectedClients()
		}
		logger.Log.Warn("Redis publish failed, delivering locally", zap.Error(err))
	}
	return h.deliverLocal(payload)
}

func (h *SyncHub) deliverLocal(payload []byte) int {
	delivered := 0
	for i := 0; i < shardCount; i++ {
		s := h.shards[i]
		s.mu.RLock()
		for _, client := range s.clients {
			if client.trySend(payload) {
				delivered++
			}
		}
		s.mu.RUnlock()
	}
	return delivered
}

func (h *SyncHub) sendTo(c *Client, msg protocol.Message) {
	payload, err := protocol.Encode(msg)
	if err != nil {
		return
	}
	s := h.getShard(c.ID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.clients[c.ID]; ok {
		c.trySend(payload)
		monitoring.HubMessages.WithLabelValues(string(msg.Kind()), "out").Inc()
	}
}

func (h *SyncHub) ConnectedClients() int {
	return int(h.clients.Load())
}

func (h *SyncHub) now() int64 {
	return h.clock.Now().UnixMilli()
}

// Stop closes every connection and clears presence
func (h *SyncHub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		logger.Log.Info("SyncHub stopping: closing connections")

		closed := 0
		for i := 0; i < shardCount; i++ {
			s := h.shards[i]
			s.mu.Lock()
			for id, client := range s.clients {
				delete(s.clients, id)
				h.clients.Add(-1)
				close(client.Send)
				closed++
			}
			s.mu.Unlock()
		}

		h.presMu.Lock()
		users := make([]string, 0, len(h.presence))
		for username := range h.presence {
			users = append(users, username)
		}
		h.presence = make(map[string]*presenceInfo)
		h.connUser = make(map[string]string)
		h.presMu.Unlock()

		if h.Redis != nil && len(users) > 0 {
			pipe := h.Redis.Pipeline()
			for _, username := range users {
				pipe.Del(context.Background(), onlineKeyPrefix+username)
			}
			pipe.Exec(context.Background())
		}

		monitoring.HubConnections.Set(0)
		monitoring.HubOnlineUsers.Set(0)
		logger.Log.Info("SyncHub stopped", zap.Int("closedConnections", closed))
	})
}

func ServeWs(hub *SyncHub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Log.Error("WebSocket upgrade failed", zap.Error(err))
		return
	}
	client := &Client{
		Hub:     hub,
		Conn:    conn,
		Send:    make(chan []byte, sendBufferSize),
		ID:      uuid.NewString(),
		Limiter: rate.NewLimiter(rate.Limit(30), 50),
	}
	if !hub.Register(client) {
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
