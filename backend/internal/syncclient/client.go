// Package syncclient 单个文档会话与服务端的同步：本地编辑每个 tick 发出，
// 广播经变基引擎合并，冲突或缺口通过 REST 追平
package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"plotLines/backend/internal/document"
	"plotLines/backend/internal/ot"
	"plotLines/backend/internal/ot/command"
	"plotLines/backend/internal/undo"
	"plotLines/backend/internal/ws"
)

var (
	ErrTransport       = errors.New("transport error")
	ErrReconnectFailed = errors.New("could not reconnect")
	ErrHistoryTooOld   = errors.New("HISTORY_TOO_OLD")
	ErrClosed          = errors.New("connection closed")
	ErrNotConnected    = errors.New("not connected")
)

const (
	defaultTick        = time.Second
	defaultResendTicks = 1
	requestTimeout     = 10 * time.Second
)

type Options struct {
	ServerURL  string // http(s)://host:port
	DocumentID string
	Token      string
	UserID     uint64
	UserName   string

	// 发送/心跳间隔
	Tick time.Duration
	// 已发出的批次多少个 tick 没有回应就重发
	ResendTicks int

	HTTPClient *http.Client
	Dialer     *websocket.Dialer
	Notifier   Notifier
	// NewBackOff 为每一轮重连生成退避策略，默认 ReconnectBackOff
	NewBackOff func() backoff.BackOff

	// OnChange 在事件循环里调用，回调中不能再调用 Connection 的方法
	OnChange func(Change)
}

// Change 描述一次文档变化
type Change struct {
	Local   bool
	Version uint64
	Result  ot.Result
}

type Connection struct {
	opt      Options
	rest     *restClient
	clientID string

	// 以下字段只在事件循环中访问
	engine      *ot.Engine
	undo        *undo.Stack
	cursor      document.Pos
	members     []ws.PresenceMember
	conn        *websocket.Conn
	gen         int
	awaiting    bool
	waitedTicks int
	catchingUp  bool
	behind      uint64
	reconnErr   error

	calls  chan func()
	ready  chan struct{}
	done   chan struct{}
	cancel context.CancelFunc
	ctx    context.Context
	once   sync.Once
	wg     sync.WaitGroup
}

// New 创建连接对象；调用 Connect 之后才开始同步
func New(opt Options) *Connection {
	if opt.Tick <= 0 {
		opt.Tick = defaultTick
	}
	if opt.ResendTicks <= 0 {
		opt.ResendTicks = defaultResendTicks
	}
	if opt.HTTPClient == nil {
		opt.HTTPClient = &http.Client{Timeout: requestTimeout}
	}
	if opt.Dialer == nil {
		opt.Dialer = websocket.DefaultDialer
	}
	if opt.Notifier == nil {
		opt.Notifier = nopNotifier{}
	}
	if opt.NewBackOff == nil {
		opt.NewBackOff = ReconnectBackOff
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		opt:      opt,
		rest:     &restClient{base: strings.TrimRight(opt.ServerURL, "/"), token: opt.Token, http: opt.HTTPClient},
		clientID: uuid.NewString(),
		undo:     undo.New(undo.DefaultDepth),
		calls:    make(chan func()),
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (c *Connection) ClientID() string { return c.clientID }

// Connect 加载文档、追平版本、建立 websocket，然后启动事件循环
func (c *Connection) Connect(ctx context.Context) error {
	doc, version, err := c.rest.loadDocument(ctx, c.opt.DocumentID)
	if err != nil {
		return fmt.Errorf("load document: %w", err)
	}
	c.engine = ot.NewEngine(doc, version, c.clientID)
	page, err := c.rest.stepsSince(ctx, c.opt.DocumentID, version)
	if err != nil {
		return fmt.Errorf("initial catch-up: %w", err)
	}
	c.applyPage(page)

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	c.attach(conn)

	c.wg.Add(1)
	go c.loop()
	close(c.ready)
	return nil
}

// Close 停止事件循环并断开连接
func (c *Connection) Close() error {
	c.once.Do(func() {
		c.cancel()
		close(c.done)
	})
	c.wg.Wait()
	return nil
}

func (c *Connection) wsURL() (string, error) {
	u, err := url.Parse(c.rest.base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/collab/ws"
	u.RawQuery = url.Values{"documentId": {c.opt.DocumentID}}.Encode()
	return u.String(), nil
}

func (c *Connection) dial(ctx context.Context) (*websocket.Conn, error) {
	target, err := c.wsURL()
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if c.opt.Token != "" {
		header.Set("Authorization", "Bearer "+c.opt.Token)
	}
	conn, resp, err := c.opt.Dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: dial %s: %v (status %d)", ErrTransport, target, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: dial %s: %v", ErrTransport, target, err)
	}
	return conn, nil
}

// attach 换上新的底层连接并启动读协程；旧读协程的消息按 gen 丢弃
func (c *Connection) attach(conn *websocket.Conn) {
	c.gen++
	c.conn = conn
	c.awaiting = false
	c.reconnErr = nil
	c.wg.Add(1)
	go c.readLoop(conn, c.gen)
}

func (c *Connection) readLoop(conn *websocket.Conn, gen int) {
	defer c.wg.Done()
	for {
		var env ws.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			c.post(func() { c.connLost(gen, err) })
			return
		}
		c.post(func() {
			if gen == c.gen {
				c.handle(env)
			}
		})
	}
}

// post 把 fn 交给事件循环；循环已退出时丢弃
func (c *Connection) post(fn func()) bool {
	select {
	case c.calls <- fn:
		return true
	case <-c.done:
		return false
	}
}

// call 在事件循环中同步执行 fn
func (c *Connection) call(fn func()) error {
	select {
	case <-c.ready:
	default:
		return ErrNotConnected
	}
	finished := make(chan struct{})
	if !c.post(func() { fn(); close(finished) }) {
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

func (c *Connection) loop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opt.Tick)
	defer func() {
		ticker.Stop()
		if c.conn != nil {
			_ = c.conn.Close()
		}
	}()
	for {
		select {
		case <-c.done:
			return
		case fn := <-c.calls:
			fn()
		case <-ticker.C:
			c.tick()
		}
	}
}

func (c *Connection) tick() {
	if c.conn == nil || c.catchingUp {
		return
	}
	if c.behind > c.engine.Version() {
		c.startCatchUp()
		return
	}
	if c.awaiting {
		c.waitedTicks++
		if c.waitedTicks < c.opt.ResendTicks {
			return
		}
		c.awaiting = false
	}
	if batch, ok := c.engine.SendableSteps(); ok {
		msg := ws.StepsMessage{
			Type:     ws.TypeSteps,
			DocID:    c.opt.DocumentID,
			Version:  batch.Version,
			Steps:    batch.Steps,
			ClientID: batch.ClientID,
		}
		if c.write(msg) {
			c.awaiting = true
			c.waitedTicks = 0
		}
		return
	}
	cursor, _ := json.Marshal(c.cursor)
	c.write(ws.HeartbeatMessage{
		Type:      ws.TypeHeartbeat,
		DocID:     c.opt.DocumentID,
		OTVersion: c.engine.Version(),
		Cursor:    cursor,
		UserID:    c.opt.UserID,
		UserName:  c.opt.UserName,
	})
}

func (c *Connection) write(msg ws.OutboundMessage) bool {
	_ = c.conn.SetWriteDeadline(time.Now().Add(requestTimeout))
	if err := c.conn.WriteJSON(msg); err != nil {
		c.connLost(c.gen, err)
		return false
	}
	return true
}

func (c *Connection) handle(env ws.Envelope) {
	switch env.Type {
	case ws.TypeSteps:
		c.receiveBroadcast(env)
	case ws.TypeAck:
		c.awaiting = false
		// 广播可能晚于 ack 到达（跨实例转发），下个 tick 仍落后再追平
		c.markBehind(env.Version)
	case ws.TypeConflict:
		c.awaiting = false
		c.startCatchUp()
	case ws.TypePresence:
		c.members = env.Members
		c.markBehind(env.OTVersion)
	case ws.TypeError:
		c.awaiting = false
		log.Printf("server error doc=%s client=%s err=%s", c.opt.DocumentID, c.clientID, env.Error)
		if strings.Contains(env.Error, command.ErrMalformedStep.Error()) {
			// 服务端拒绝了我们的步骤，说明本地状态已经分叉，只能整体重载
			c.startReload()
		}
	default:
		log.Printf("unknown message type=%q doc=%s", env.Type, c.opt.DocumentID)
	}
}

func (c *Connection) markBehind(v uint64) {
	if v > c.behind {
		c.behind = v
	}
}

func (c *Connection) receiveBroadcast(env ws.Envelope) {
	n := uint64(len(env.Steps))
	if n == 0 || env.Version < n {
		return
	}
	base := env.Version - n
	switch {
	case env.Version <= c.engine.Version():
		// 重复或已通过追平拿到
		return
	case base != c.engine.Version():
		// 中间缺了批次
		c.markBehind(env.Version)
		c.startCatchUp()
		return
	}
	authors := make([]string, len(env.Steps))
	for i := range authors {
		authors[i] = env.ClientID
	}
	c.apply(env.Steps, authors)
}

func (c *Connection) apply(steps []json.RawMessage, authors []string) {
	res := c.engine.ReceiveRemote(steps, authors)
	if res.Confirmed > 0 {
		c.awaiting = false
	}
	if len(res.Mapping) > 0 {
		c.undo.Map(res.Mapping)
		c.cursor = res.Mapping.MapPos(c.cursor)
	}
	c.changed(Change{Version: c.engine.Version(), Result: res})
}

// applyPage 跳过已经拥有的版本，只应用紧接当前版本的连续部分
func (c *Connection) applyPage(page *stepsPage) {
	var steps []json.RawMessage
	var authors []string
	next := c.engine.Version() + 1
	for i, v := range page.OTVersions {
		if v < next {
			continue
		}
		if v != next {
			log.Printf("catch-up gap doc=%s want=%d got=%d", c.opt.DocumentID, next, v)
			break
		}
		steps = append(steps, page.Steps[i])
		authors = append(authors, page.UserIDs[i])
		next++
	}
	if len(steps) > 0 {
		c.apply(steps, authors)
	}
}

func (c *Connection) startCatchUp() {
	if c.catchingUp {
		return
	}
	c.catchingUp = true
	since := c.engine.Version()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(c.ctx, requestTimeout)
		defer cancel()
		page, err := c.rest.stepsSince(ctx, c.opt.DocumentID, since)
		c.post(func() { c.finishCatchUp(page, err) })
	}()
}

func (c *Connection) finishCatchUp(page *stepsPage, err error) {
	c.catchingUp = false
	switch {
	case errors.Is(err, ErrHistoryTooOld):
		c.startReload()
	case err != nil:
		// 下个 tick 重试
		log.Printf("catch-up failed doc=%s since=%d err=%v", c.opt.DocumentID, c.engine.Version(), err)
		c.markBehind(c.engine.Version() + 1)
	default:
		c.applyPage(page)
		c.awaiting = false
		c.behind = 0
	}
}

// startReload 丢弃未确认的编辑和撤销历史，从最新快照重新开始
func (c *Connection) startReload() {
	if c.catchingUp {
		return
	}
	c.catchingUp = true
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(c.ctx, requestTimeout)
		defer cancel()
		doc, version, err := c.rest.loadDocument(ctx, c.opt.DocumentID)
		c.post(func() {
			c.catchingUp = false
			if err != nil {
				log.Printf("reload failed doc=%s err=%v", c.opt.DocumentID, err)
				return
			}
			if n := len(c.engine.Unconfirmed()); n > 0 {
				log.Printf("reload discards unconfirmed edits doc=%s count=%d", c.opt.DocumentID, n)
			}
			c.engine.Reset(doc, version)
			c.undo.Clear()
			c.awaiting = false
			c.changed(Change{Version: version})
			c.startCatchUp()
		})
	}()
}

func (c *Connection) connLost(gen int, err error) {
	if gen != c.gen || c.conn == nil {
		return
	}
	select {
	case <-c.done:
		return
	default:
	}
	log.Printf("connection lost doc=%s client=%s err=%v", c.opt.DocumentID, c.clientID, err)
	_ = c.conn.Close()
	c.conn = nil
	c.awaiting = false

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		var conn *websocket.Conn
		err := retryDial(c.ctx, c.opt.NewBackOff(), reconnectAttempts, c.opt.Notifier, func() error {
			ctx, cancel := context.WithTimeout(c.ctx, requestTimeout)
			defer cancel()
			var err error
			conn, err = c.dial(ctx)
			return err
		})
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				c.opt.Notifier.ReconnectFailed(err)
			}
			c.post(func() { c.reconnErr = err })
			return
		}
		if !c.post(func() {
			c.attach(conn)
			c.opt.Notifier.Reconnected()
			c.startCatchUp()
		}) {
			_ = conn.Close()
		}
	}()
}

func (c *Connection) changed(ch Change) {
	if c.opt.OnChange != nil {
		c.opt.OnChange(ch)
	}
}

// Apply 在本地执行命令并排队等待发送；单个命令失败不影响其余命令
func (c *Connection) Apply(cmds ...command.Command) error {
	var err error
	if cerr := c.call(func() {
		var inv []command.Command
		inv, err = c.engine.LocalEdit(cmds)
		if len(inv) > 0 {
			c.undo.Record(inv)
			c.changed(Change{Local: true, Version: c.engine.Version()})
		}
	}); cerr != nil {
		return cerr
	}
	return err
}

func (c *Connection) Undo() (bool, error) {
	var ok bool
	var err error
	if cerr := c.call(func() {
		ok, err = c.undo.Undo(c.engine)
		if ok {
			c.changed(Change{Local: true, Version: c.engine.Version()})
		}
	}); cerr != nil {
		return false, cerr
	}
	return ok, err
}

func (c *Connection) Redo() (bool, error) {
	var ok bool
	var err error
	if cerr := c.call(func() {
		ok, err = c.undo.Redo(c.engine)
		if ok {
			c.changed(Change{Local: true, Version: c.engine.Version()})
		}
	}); cerr != nil {
		return false, cerr
	}
	return ok, err
}

func (c *Connection) SetCursor(p document.Pos) error {
	return c.call(func() { c.cursor = p })
}

func (c *Connection) Cursor() (document.Pos, error) {
	var p document.Pos
	err := c.call(func() { p = c.cursor })
	return p, err
}

// Save 上传已确认部分的快照，未确认的本地编辑不包含在内
func (c *Connection) Save(ctx context.Context) (uint64, error) {
	var doc *document.Document
	var version uint64
	if err := c.call(func() {
		doc = c.engine.ConfirmedDocument()
		version = c.engine.Version()
	}); err != nil {
		return 0, err
	}
	return c.rest.createSnapshot(ctx, c.opt.DocumentID, doc, version)
}

func (c *Connection) Text() (string, error) {
	var s string
	err := c.call(func() { s = c.engine.Document().Text() })
	return s, err
}

// Document 返回当前本地内容的副本
func (c *Connection) Document() (*document.Document, error) {
	var d *document.Document
	err := c.call(func() { d = c.engine.Document().Clone() })
	return d, err
}

func (c *Connection) Version() (uint64, error) {
	var v uint64
	err := c.call(func() { v = c.engine.Version() })
	return v, err
}

// Pending 返回尚未被服务端确认的步骤数
func (c *Connection) Pending() (int, error) {
	var n int
	err := c.call(func() { n = len(c.engine.Unconfirmed()) })
	return n, err
}

func (c *Connection) Members() ([]ws.PresenceMember, error) {
	var m []ws.PresenceMember
	err := c.call(func() { m = append(m, c.members...) })
	return m, err
}

// Err 返回最近一轮重连失败的原因；已连上时为 nil
func (c *Connection) Err() error {
	var err error
	if cerr := c.call(func() { err = c.reconnErr }); cerr != nil {
		return cerr
	}
	return err
}
