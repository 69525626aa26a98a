package client

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"quiz_sync_backend/internal/protocol"
	"quiz_sync_backend/internal/synctree"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const (
	defaultKeepAlive      = 30 * time.Second
	defaultReconnectDelay = 5 * time.Second
	listenerWriteWait     = 10 * time.Second
)

// Syncer runs a full sync pass; *Coordinator implements it.
type Syncer interface {
	Sync(ctx context.Context) Result
}

type ListenerOptions struct {
	Username       string
	Store          LocalStore
	Manifests      *ManifestCache
	Syncer         Syncer
	Observer       PeerObserver
	Checker        AnswerChecker
	Dialer         *websocket.Dialer
	KeepAlive      time.Duration
	ReconnectDelay time.Duration
	Clock          clockwork.Clock
	Logger         *zap.Logger
	// OnPresence 在线列表每次变化后回调
	OnPresence func(users []string)
	// OnConnection 连接建立时传 true，断开时传 false
	OnConnection func(connected bool)
}

// Listener keeps a push channel connection open, applying answer and
// manifest updates as they arrive and reconnecting after failures.
type Listener struct {
	url   string
	opts  ListenerOptions
	apply *applier

	mu        sync.Mutex
	connected bool
	online    map[string]struct{}
	syncWG    sync.WaitGroup
}

func NewListener(wsURL string, opts ListenerOptions) *Listener {
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = defaultKeepAlive
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = defaultReconnectDelay
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	opts.Username = strings.TrimSpace(opts.Username)
	var apply *applier
	if opts.Store != nil {
		apply = &applier{store: opts.Store, observer: opts.Observer, checker: opts.Checker}
	}
	return &Listener{
		url:    wsURL,
		opts:   opts,
		apply:  apply,
		online: make(map[string]struct{}),
	}
}

func (l *Listener) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

func (l *Listener) OnlineUsers() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	users := make([]string, 0, len(l.online))
	for u := range l.online {
		users = append(users, u)
	}
	slices.Sort(users)
	return users
}

// Run connects and serves until ctx ends, reconnecting after each failure.
func (l *Listener) Run(ctx context.Context) error {
	defer l.syncWG.Wait()
	for {
		err := l.connectAndServe(ctx)
		if ctx.Err() != nil {
			return nil
		}
		l.opts.Logger.Warn("push channel disconnected", zap.Error(err), zap.Duration("retry_in", l.opts.ReconnectDelay))
		select {
		case <-ctx.Done():
			return nil
		case <-l.opts.Clock.After(l.opts.ReconnectDelay):
		}
	}
}

func (l *Listener) connectAndServe(ctx context.Context) error {
	conn, _, err := l.opts.Dialer.DialContext(ctx, l.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", l.url, err)
	}
	defer conn.Close()

	l.setConnected(true)
	defer l.setConnected(false)

	if l.opts.Username != "" {
		if err := writeMessage(conn, protocol.Identify{Username: l.opts.Username}); err != nil {
			return fmt.Errorf("identify: %w", err)
		}
	}

	done := make(chan struct{})
	defer close(done)
	go l.keepAlive(conn, done)

	// ctx 结束时让 ReadMessage 返回
	stop := context.AfterFunc(ctx, func() {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	})
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			if !errors.Is(err, protocol.ErrUnknownKind) {
				l.opts.Logger.Warn("bad push message", zap.Error(err))
			}
			continue
		}
		l.handle(ctx, msg)
	}
}

// keepAlive 每个周期发送 ping 和在线心跳。
// identify 之后它是唯一的写方
func (l *Listener) keepAlive(conn *websocket.Conn, done <-chan struct{}) {
	ticker := l.opts.Clock.NewTicker(l.opts.KeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.Chan():
			if err := writeMessage(conn, protocol.Ping{}); err != nil {
				return
			}
			if l.opts.Username != "" {
				if err := writeMessage(conn, protocol.Heartbeat{Username: l.opts.Username}); err != nil {
					return
				}
			}
		}
	}
}

func writeMessage(conn *websocket.Conn, msg protocol.Message) error {
	payload, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(listenerWriteWait))
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func (l *Listener) handle(ctx context.Context, msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.Connected:
		l.opts.Logger.Debug("push channel connected", zap.String("message", m.Message), zap.Int("clients", m.Clients))
	case protocol.PresenceSnapshot:
		l.updatePresence(func(online map[string]struct{}) {
			clear(online)
			for _, u := range m.Users {
				online[u] = struct{}{}
			}
		})
	case protocol.UserOnline:
		l.updatePresence(func(online map[string]struct{}) { online[m.Username] = struct{}{} })
	case protocol.UserOffline:
		l.updatePresence(func(online map[string]struct{}) { delete(online, m.Username) })
	case protocol.AnswerSubmitted:
		l.applyAnswer(ctx, m)
	case protocol.BatchSubmitted:
		if l.opts.Manifests != nil {
			if err := l.opts.Manifests.ApplyUnitUpdates(m.Units); err != nil {
				l.opts.Logger.Warn("unable to store manifest cache", zap.Error(err))
			}
		}
		l.triggerSync(ctx, m.Count)
	case protocol.Pong, protocol.Subscribed:
	case protocol.Ping, protocol.Identify, protocol.Heartbeat, protocol.Subscribe:
		// 客户端发往服务端的类型，忽略
	}
}

func (l *Listener) applyAnswer(ctx context.Context, m protocol.AnswerSubmitted) {
	if m.Username == "" || m.QuestionID == "" || len(m.AnswerValue) == 0 {
		l.opts.Logger.Warn("incomplete answer_submitted message", zap.String("question_id", m.QuestionID))
		return
	}
	if l.opts.Manifests != nil {
		if err := l.opts.Manifests.ApplyAnswerEvent(m); err != nil {
			l.opts.Logger.Warn("unable to store manifest cache", zap.Error(err))
		}
	}
	if l.apply == nil {
		return
	}
	rec := synctree.Record{
		Username:    m.Username,
		QuestionID:  m.QuestionID,
		AnswerValue: m.AnswerValue,
		Timestamp:   m.Timestamp,
	}
	if _, err := l.apply.apply(ctx, rec); err != nil {
		l.opts.Logger.Warn("merge pushed answer failed", zap.String("question_id", m.QuestionID), zap.Error(err))
	}
}

// triggerSync 批量写入后触发同步，不阻塞读循环
func (l *Listener) triggerSync(ctx context.Context, count int) {
	if l.opts.Syncer == nil {
		return
	}
	l.syncWG.Add(1)
	go func() {
		defer l.syncWG.Done()
		res := l.opts.Syncer.Sync(ctx)
		l.opts.Logger.Debug("synced after batch", zap.Int("count", count), zap.String("mode", string(res.Mode)))
	}()
}

func (l *Listener) updatePresence(mutate func(map[string]struct{})) {
	l.mu.Lock()
	mutate(l.online)
	users := make([]string, 0, len(l.online))
	for u := range l.online {
		users = append(users, u)
	}
	l.mu.Unlock()
	slices.Sort(users)
	if l.opts.OnPresence != nil {
		l.opts.OnPresence(users)
	}
}

func (l *Listener) setConnected(connected bool) {
	l.mu.Lock()
	l.connected = connected
	if !connected {
		clear(l.online)
	}
	l.mu.Unlock()
	if l.opts.OnConnection != nil {
		l.opts.OnConnection(connected)
	}
}
