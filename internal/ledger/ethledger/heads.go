package ethledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/gateway-fm/ledgerbench/internal/ledger"
	"github.com/gateway-fm/ledgerbench/internal/metrics"
)

const (
	defaultRefreshConcurrency = 32
	subscriptionBuffer        = 16
	writeTimeout              = 5 * time.Second
)

type headConfig struct {
	url         string
	dialer      *websocket.Dialer
	query       func(ctx context.Context, addr common.Address, res ledger.Resource) (ledger.State, error)
	concurrency int
	metrics     *metrics.PrometheusMetrics
	logger      *slog.Logger
}

// headHub multiplexes every subscription over one newHeads feed. Each head
// triggers one re-read per subscription; heads that arrive during a refresh
// are coalesced into the next one.
type headHub struct {
	conn        *websocket.Conn
	query       func(ctx context.Context, addr common.Address, res ledger.Resource) (ledger.State, error)
	concurrency int
	metrics     *metrics.PrometheusMetrics
	logger      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	kick   chan struct{}
	heads  atomic.Uint64

	mu   sync.Mutex
	subs map[*headSub]struct{}
	err  error // Set once the feed is gone
}

type subscribeReply struct {
	ID     int             `json:"id"`
	Result string          `json:"result"`
	Error  *json.RawMessage `json:"error"`
}

type headMessage struct {
	Method string `json:"method"`
	Params *struct {
		Result struct {
			Number string `json:"number"`
		} `json:"result"`
	} `json:"params"`
}

func dialHeads(ctx context.Context, cfg headConfig) (*headHub, error) {
	if cfg.url == "" {
		return nil, errors.New("websocket URL is required for subscriptions")
	}
	dialer := cfg.dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	conn, _, err := dialer.DialContext(ctx, cfg.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w: %v", cfg.url, ledger.ErrConnection, err)
	}

	subscribeMsg := map[string]any{
		"jsonrpc": "2.0",
		"method":  "eth_subscribe",
		"params":  []string{"newHeads"},
		"id":      1,
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(subscribeMsg); err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe newHeads: %w: %v", ledger.ErrConnection, err)
	}
	var reply subscribeReply
	if err := conn.ReadJSON(&reply); err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe newHeads: %w: %v", ledger.ErrConnection, err)
	}
	if reply.Error != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe newHeads: %s", string(*reply.Error))
	}

	concurrency := cfg.concurrency
	if concurrency <= 0 {
		concurrency = defaultRefreshConcurrency
	}
	logger := cfg.logger
	if logger == nil {
		logger = slog.Default()
	}

	hubCtx, cancel := context.WithCancel(context.Background())
	h := &headHub{
		conn:        conn,
		query:       cfg.query,
		concurrency: concurrency,
		metrics:     cfg.metrics,
		logger:      logger,
		ctx:         hubCtx,
		cancel:      cancel,
		kick:        make(chan struct{}, 1),
		subs:        make(map[*headSub]struct{}),
	}
	logger.Info("subscribed to newHeads", slog.String("url", cfg.url), slog.String("subscription", reply.Result))

	go h.readLoop()
	go h.refreshLoop()
	return h, nil
}

func (h *headHub) readLoop() {
	for {
		var msg headMessage
		if err := h.conn.ReadJSON(&msg); err != nil {
			h.fail(fmt.Errorf("head feed: %w: %v", ledger.ErrConnection, err))
			return
		}
		if msg.Method != "eth_subscription" || msg.Params == nil {
			continue
		}
		h.heads.Add(1)
		select {
		case h.kick <- struct{}{}:
		default: // A refresh is already pending
		}
	}
}

func (h *headHub) refreshLoop() {
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-h.kick:
			h.refresh()
		}
	}
}

// refresh re-reads every open subscription.
func (h *headHub) refresh() {
	h.mu.Lock()
	subs := make([]*headSub, 0, len(h.subs))
	for s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()
	if len(subs) == 0 {
		return
	}

	g, ctx := errgroup.WithContext(h.ctx)
	g.SetLimit(h.concurrency)
	for _, s := range subs {
		g.Go(func() error {
			st, err := h.query(ctx, s.addr, s.res)
			if err != nil {
				if ledger.IsConnection(err) {
					return err
				}
				h.logger.Debug("refresh failed",
					slog.String("address", s.addr.Hex()),
					slog.String("resource", s.res.String()),
					slog.String("error", err.Error()),
				)
				return nil
			}
			s.observe(st)
			return nil
		})
	}
	if err := g.Wait(); err != nil && ledger.IsConnection(err) {
		h.metrics.RecordError("connection")
		h.fail(err)
	}
}

func (h *headHub) subscribe(addr common.Address, res ledger.Resource) (*headSub, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return nil, h.err
	}
	s := &headSub{
		hub:     h,
		addr:    addr,
		res:     res,
		changes: make(chan ledger.State, subscriptionBuffer),
	}
	h.subs[s] = struct{}{}
	return s, nil
}

func (h *headHub) remove(s *headSub) {
	h.mu.Lock()
	delete(h.subs, s)
	h.mu.Unlock()
}

// fail ends the feed and every open subscription with err. Only the first call has effect.
func (h *headHub) fail(err error) {
	h.mu.Lock()
	if h.err != nil {
		h.mu.Unlock()
		return
	}
	h.err = err
	subs := h.subs
	h.subs = make(map[*headSub]struct{})
	h.mu.Unlock()

	for s := range subs {
		s.fail(err)
	}
	h.cancel()
	h.conn.Close()
	h.logger.Warn("head feed closed", slog.String("error", err.Error()))
}

func (h *headHub) close() error {
	_ = h.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	h.fail(fmt.Errorf("ledger closed: %w", ledger.ErrConnection))
	return nil
}

// Heads returns the number of heads received so far.
func (h *headHub) Heads() uint64 {
	return h.heads.Load()
}

// headSub emits the state of one (account, resource) each time a re-read
// differs from the previous one.
type headSub struct {
	hub     *headHub
	addr    common.Address
	res     ledger.Resource
	changes chan ledger.State

	mu   sync.Mutex
	last *big.Int
	done bool
	err  error
}

var _ ledger.Subscription = (*headSub)(nil)

func (s *headSub) Changes() <-chan ledger.State { return s.changes }

func (s *headSub) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *headSub) Unsubscribe() {
	s.hub.remove(s)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.done {
		s.done = true
		close(s.changes)
	}
}

func (s *headSub) observe(st ledger.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	if s.last != nil && st.Value != nil && s.last.Cmp(st.Value) == 0 {
		return
	}
	s.last = st.Value
	select {
	case s.changes <- st:
	default:
		// Full: drop the oldest, the newest state supersedes it.
		select {
		case <-s.changes:
		default:
		}
		select {
		case s.changes <- st:
		default:
		}
	}
}

func (s *headSub) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.done {
		s.done = true
		s.err = err
		close(s.changes)
	}
}
