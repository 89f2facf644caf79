package feed

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/yanun0323/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"
	"github.com/yanun0323/pkg/ws"

	"main/internal/bus"
	"main/internal/schema"
)

const _binanceBaseWsUrl = "wss://data-stream.binance.vision/ws"

// Binance streams live trades from the public market-data endpoint
// into the tick queue.
type Binance struct {
	wss      *ws.WebSocket
	queue    *bus.Queue
	symbolID uint32
	scale    int64
}

// NewBinance builds the adapter around the shared tick queue.
func NewBinance(ctx context.Context, queue *bus.Queue, symbolID uint32, scale int64) *Binance {
	return &Binance{
		wss:      ws.New(ctx, _binanceBaseWsUrl),
		queue:    queue,
		symbolID: symbolID,
		scale:    scale,
	}
}

// StartWebsocket opens the stream connection.
func (repo *Binance) StartWebsocket(ctx context.Context) error {
	if err := repo.wss.Start(ctx); err != nil {
		return errors.Wrap(err, "start wss")
	}

	return nil
}

// Close tears the connection down.
func (repo *Binance) Close() {
	repo.wss.Close()
}

type binanceSubscribeRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

type binanceSubscribeResponse struct {
	ID     int64 `json:"id"`
	Result any   `json:"result"`
}

// SubscribeTrade subscribes the 'Trade Streams' topic.
func (repo *Binance) SubscribeTrade(ctx context.Context, symbol string) error {
	appendIntoRegister := true
	if err := repo.wss.SendAndWait(ctx, ws.Sidecar{
		Sender: func(ctx context.Context, ws *ws.WebSocket) error {
			payload := binanceSubscribeRequest{
				Method: "SUBSCRIBE",
				Params: []string{
					fmt.Sprintf("%s@trade", strings.ToLower(symbol)),
				},
				ID: 1,
			}

			if err := ws.WriteJSON(payload); err != nil {
				return errors.Wrap(err, "write subscribe payload").With("payload", payload)
			}

			return nil
		},
		Waiter: func(ctx context.Context, m ws.Message) (bool, error) {
			resp, ok := ws.ReadMessage[binanceSubscribeResponse](m)
			if !ok || resp.ID != 1 {
				return false, nil
			}

			if resp.Result != nil {
				return false, errors.Errorf("subscribe and wait, err: %+v", resp.Result)
			}
			return true, nil
		},
	}, appendIntoRegister); err != nil {
		return errors.Wrap(err, "send and wait")
	}

	return nil
}

// BinanceTrade is the raw trade stream payload.
type BinanceTrade struct {
	EventType string          `json:"e"`
	EventTime int64           `json:"E"`
	Symbol    string          `json:"s"`
	TradeID   int64           `json:"t"`
	Price     decimal.Decimal `json:"p"`
	Quantity  decimal.Decimal `json:"q"`
	TradeTime int64           `json:"T"`
}

// ObserveTrades forwards every trade into the tick queue until the
// context is done.
func (repo *Binance) ObserveTrades(ctx context.Context) (unsubscribe func()) {
	ch, cancel := repo.wss.Subscribe()

	go func() {
		defer cancel()
		for {
			select {
			case <-sys.Shutdown():
				return
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}

				trade, ok := ws.ReadMessage[BinanceTrade](m)
				if !ok || trade.EventType != "trade" {
					continue
				}

				tick, err := repo.toTick(trade)
				if err != nil {
					logs.Errorf("parse trade, err: %+v", err)
					continue
				}
				repo.queue.TryPublish(tick)
			}
		}
	}()

	return cancel
}

func (repo *Binance) toTick(trade BinanceTrade) (bus.Tick, error) {
	price, err := strconv.ParseFloat(trade.Price.String(), 64)
	if err != nil {
		return bus.Tick{}, errors.Wrap(err, "parse price")
	}
	qty, err := strconv.ParseFloat(trade.Quantity.String(), 64)
	if err != nil {
		return bus.Tick{}, errors.Wrap(err, "parse quantity")
	}
	return bus.Tick{
		Data: schema.MarketData{
			SymbolID: repo.symbolID,
			Kind:     schema.MarketDataTrade,
			Price:    schema.Price(price * float64(repo.scale)),
			Size:     schema.Quantity(qty * float64(repo.scale)),
			TsEvent:  trade.TradeTime * int64(time.Millisecond),
		},
		TsRecv: time.Now().UnixNano(),
	}, nil
}
