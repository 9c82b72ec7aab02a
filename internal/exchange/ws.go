// ws.go implements the KIS realtime WebSocket client.
//
// A single connection to ops.koreainvestment.com:21000 carries every
// realtime subscription. Four tr_ids are supported:
//
//   - H0STCNT0: execution ticks (price, volume, strength)
//   - H0STASP0: 10-level orderbook updates
//   - H0STVI0:  volatility-interruption notices
//   - H0STCNC0: order execution notifications for our own orders
//
// Data frames start with '0' (plaintext) or '1' (encrypted) and are
// pipe/caret delimited; everything else is a JSON control message.
// PINGPONG frames are echoed back verbatim to keep the session alive.
//
// The client auto-reconnects with exponential backoff (2s → 60s cap, max
// 30 attempts) and replays all tracked subscriptions on reconnection,
// paced at 10 messages per second so the broker does not drop them.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"kats-trader/pkg/types"
)

// Realtime transaction IDs.
const (
	TrExecution = "H0STCNT0"
	TrOrderbook = "H0STASP0"
	TrVI        = "H0STVI0"
	TrNotice    = "H0STCNC0"
)

const (
	wsWriteTimeout   = 10 * time.Second
	maxReconnects    = 30               // give up after this many consecutive failures
	maxReconnectWait = 60 * time.Second // cap on exponential backoff
	tickBufferSize   = 256              // buffer for execution/orderbook events
	noticeBufferSize = 64               // buffer for VI/order-notice events
)

// subKey identifies one realtime subscription.
type subKey struct {
	TrID  string
	TrKey string // stock code, or HTS ID for order notices
}

// WSClient manages the realtime WebSocket connection. It handles the
// connection lifecycle, subscription tracking, frame parsing, and
// automatic reconnection with exponential backoff.
type WSClient struct {
	url         string
	approvalKey string

	conn   *websocket.Conn
	connMu sync.Mutex // protects conn reads/writes

	// Track subscriptions for automatic replay on reconnect
	subscribedMu sync.RWMutex
	subscribed   map[subKey]bool

	// Replay pacing: the broker drops subscribe bursts on reconnect
	replayLimiter *rate.Limiter

	// Typed event channels — consumers read from these via accessor methods
	execCh   chan types.PriceData
	bookCh   chan types.OrderbookData
	viCh     chan types.VIData
	noticeCh chan types.OrderNotice

	logger *slog.Logger
}

// NewWSClient creates a realtime client. approvalKey is the WebSocket
// access key issued alongside the app credentials.
func NewWSClient(wsURL, approvalKey string, logger *slog.Logger) *WSClient {
	return &WSClient{
		url:           wsURL,
		approvalKey:   approvalKey,
		subscribed:    make(map[subKey]bool),
		replayLimiter: rate.NewLimiter(10, 1),
		execCh:        make(chan types.PriceData, tickBufferSize),
		bookCh:        make(chan types.OrderbookData, tickBufferSize),
		viCh:          make(chan types.VIData, noticeBufferSize),
		noticeCh:      make(chan types.OrderNotice, noticeBufferSize),
		logger:        logger.With("component", "ws"),
	}
}

// Executions returns a read-only channel of execution ticks.
func (w *WSClient) Executions() <-chan types.PriceData { return w.execCh }

// Orderbooks returns a read-only channel of orderbook updates.
func (w *WSClient) Orderbooks() <-chan types.OrderbookData { return w.bookCh }

// VINotices returns a read-only channel of VI notices.
func (w *WSClient) VINotices() <-chan types.VIData { return w.viCh }

// OrderNotices returns a read-only channel of own-order notifications.
func (w *WSClient) OrderNotices() <-chan types.OrderNotice { return w.noticeCh }

// Run connects and maintains the WebSocket connection with auto-reconnect.
// Blocks until ctx is cancelled or the reconnect budget is exhausted.
func (w *WSClient) Run(ctx context.Context) error {
	attempts := 0

	for {
		err := w.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		attempts++
		if attempts > maxReconnects {
			return fmt.Errorf("websocket gave up after %d reconnect attempts: %w", maxReconnects, err)
		}

		backoff := time.Duration(1<<uint(attempts)) * time.Second
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}

		w.logger.Warn("websocket disconnected, reconnecting",
			"error", err,
			"attempt", attempts,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
}

// Subscribe registers a realtime subscription and sends it if connected.
// Before the dial completes the registration alone is enough:
// replaySubscriptions delivers every tracked key once the connection is up.
func (w *WSClient) Subscribe(ctx context.Context, trID, trKey string) error {
	w.subscribedMu.Lock()
	w.subscribed[subKey{trID, trKey}] = true
	w.subscribedMu.Unlock()

	if !w.connected() {
		return nil
	}
	return w.sendSubscription(trID, trKey, true)
}

// Unsubscribe removes a realtime subscription. Removing the key is enough
// when disconnected; it simply will not be replayed.
func (w *WSClient) Unsubscribe(ctx context.Context, trID, trKey string) error {
	w.subscribedMu.Lock()
	delete(w.subscribed, subKey{trID, trKey})
	w.subscribedMu.Unlock()

	if !w.connected() {
		return nil
	}
	return w.sendSubscription(trID, trKey, false)
}

func (w *WSClient) connected() bool {
	w.connMu.Lock()
	defer w.connMu.Unlock()
	return w.conn != nil
}

// Close gracefully closes the connection.
func (w *WSClient) Close() error {
	w.connMu.Lock()
	defer w.connMu.Unlock()
	if w.conn != nil {
		return w.conn.Close()
	}
	return nil
}

func (w *WSClient) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	w.connMu.Lock()
	w.conn = conn
	w.connMu.Unlock()

	defer func() {
		w.connMu.Lock()
		conn.Close()
		w.conn = nil
		w.connMu.Unlock()
	}()

	if err := w.replaySubscriptions(ctx); err != nil {
		return fmt.Errorf("replay subscriptions: %w", err)
	}

	w.logger.Info("websocket connected", "url", w.url)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		w.dispatchFrame(msg)
	}
}

// replaySubscriptions re-sends every tracked subscription, rate limited.
func (w *WSClient) replaySubscriptions(ctx context.Context) error {
	w.subscribedMu.RLock()
	keys := make([]subKey, 0, len(w.subscribed))
	for k := range w.subscribed {
		keys = append(keys, k)
	}
	w.subscribedMu.RUnlock()

	for _, k := range keys {
		if err := w.replayLimiter.Wait(ctx); err != nil {
			return err
		}
		if err := w.sendSubscription(k.TrID, k.TrKey, true); err != nil {
			return err
		}
	}

	if len(keys) > 0 {
		w.logger.Info("subscriptions restored", "count", len(keys))
	}
	return nil
}

// wsRequest is the subscribe/unsubscribe message format.
type wsRequest struct {
	Header wsRequestHeader `json:"header"`
	Body   wsRequestBody   `json:"body"`
}

type wsRequestHeader struct {
	ApprovalKey string `json:"approval_key"`
	CustType    string `json:"custtype"`
	TrType      string `json:"tr_type"` // "1" subscribe, "2" unsubscribe
	ContentType string `json:"content-type"`
}

type wsRequestBody struct {
	Input wsRequestInput `json:"input"`
}

type wsRequestInput struct {
	TrID  string `json:"tr_id"`
	TrKey string `json:"tr_key"`
}

func (w *WSClient) sendSubscription(trID, trKey string, subscribe bool) error {
	trType := "1"
	if !subscribe {
		trType = "2"
	}

	msg := wsRequest{
		Header: wsRequestHeader{
			ApprovalKey: w.approvalKey,
			CustType:    "P",
			TrType:      trType,
			ContentType: "utf-8",
		},
		Body: wsRequestBody{Input: wsRequestInput{TrID: trID, TrKey: trKey}},
	}
	return w.writeJSON(msg)
}

// dispatchFrame routes one raw frame. Frames starting with '0' or '1' are
// pipe-delimited realtime data; everything else is a JSON control message.
func (w *WSClient) dispatchFrame(data []byte) {
	if len(data) == 0 {
		return
	}

	if data[0] == '0' || data[0] == '1' {
		w.dispatchData(string(data))
		return
	}

	var ctrl struct {
		Header struct {
			TrID string `json:"tr_id"`
		} `json:"header"`
		Body struct {
			RtCd string `json:"rt_cd"`
			Msg1 string `json:"msg1"`
		} `json:"body"`
	}
	if err := json.Unmarshal(data, &ctrl); err != nil {
		w.logger.Debug("ignoring unparseable ws message", "data", string(data))
		return
	}

	if ctrl.Header.TrID == "PINGPONG" {
		// Echo heartbeat back verbatim
		if err := w.writeMessage(websocket.TextMessage, data); err != nil {
			w.logger.Warn("pingpong echo failed", "error", err)
		}
		return
	}

	w.logger.Debug("ws control message",
		"tr_id", ctrl.Header.TrID,
		"rt_cd", ctrl.Body.RtCd,
		"msg", ctrl.Body.Msg1,
	)
}

func (w *WSClient) dispatchData(frame string) {
	msg, err := parseDataFrame(frame)
	if err != nil {
		w.logger.Error("parse ws data frame", "error", err)
		return
	}
	if msg.Encrypted {
		// Order-notice encryption is not negotiated; nothing to decode.
		w.logger.Warn("skipping encrypted frame", "tr_id", msg.TrID)
		return
	}

	now := time.Now()
	switch msg.TrID {
	case TrExecution:
		for _, rec := range msg.Records {
			tick, err := parseExecution(rec, now)
			if err != nil {
				w.logger.Error("parse execution", "error", err)
				continue
			}
			select {
			case w.execCh <- tick:
			default:
				w.logger.Warn("execution channel full, dropping tick", "stock_code", tick.StockCode)
			}
		}

	case TrOrderbook:
		for _, rec := range msg.Records {
			book, err := parseOrderbook(rec, now)
			if err != nil {
				w.logger.Error("parse orderbook", "error", err)
				continue
			}
			select {
			case w.bookCh <- book:
			default:
				w.logger.Warn("orderbook channel full, dropping update", "stock_code", book.StockCode)
			}
		}

	case TrVI:
		for _, rec := range msg.Records {
			vi, err := parseVI(rec, now)
			if err != nil {
				w.logger.Error("parse vi notice", "error", err)
				continue
			}
			select {
			case w.viCh <- vi:
			default:
				w.logger.Warn("vi channel full, dropping notice", "stock_code", vi.StockCode)
			}
		}

	case TrNotice:
		for _, rec := range msg.Records {
			notice, err := parseOrderNotice(rec, now)
			if err != nil {
				w.logger.Error("parse order notice", "error", err)
				continue
			}
			select {
			case w.noticeCh <- notice:
			default:
				w.logger.Warn("notice channel full, dropping notice", "order_no", notice.OrderNo)
			}
		}

	default:
		w.logger.Debug("unknown realtime tr_id", "tr_id", msg.TrID)
	}
}

func (w *WSClient) writeJSON(v interface{}) error {
	w.connMu.Lock()
	defer w.connMu.Unlock()
	if w.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	w.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return w.conn.WriteJSON(v)
}

func (w *WSClient) writeMessage(msgType int, data []byte) error {
	w.connMu.Lock()
	defer w.connMu.Unlock()
	if w.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	w.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return w.conn.WriteMessage(msgType, data)
}
