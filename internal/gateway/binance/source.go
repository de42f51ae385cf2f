package binance

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"vigil/internal/logger"
	"vigil/internal/market"

	"github.com/adshao/go-binance/v2/futures"
)

const maxRangeLimit = 1500

// Source implements market.Source over the Binance futures SDK: REST klines
// for range fetches and the combined kline websocket for the live stream.
type Source struct {
	cfg    Config
	client *futures.Client

	mu         sync.Mutex
	subCancel  context.CancelFunc
	reconnectC chan struct{}

	statsMu sync.Mutex
	stats   market.SourceStats
}

func New(cfg Config) (*Source, error) {
	final := cfg.withDefaults()
	client := futures.NewClient("", "")
	client.BaseURL = final.RESTBaseURL
	httpClient := &http.Client{Timeout: final.HTTPTimeout}
	if final.ProxyEnabled && final.RESTProxyURL != "" {
		proxyURL, err := url.Parse(final.RESTProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REST proxy url: %w", err)
		}
		baseTransport, ok := http.DefaultTransport.(*http.Transport)
		if !ok || baseTransport == nil {
			return nil, fmt.Errorf("http DefaultTransport is not *http.Transport")
		}
		transport := baseTransport.Clone()
		transport.Proxy = http.ProxyURL(proxyURL)
		httpClient.Transport = transport
	}
	client.HTTPClient = httpClient
	if final.ProxyEnabled {
		wsProxy := final.WSProxyURL
		if wsProxy == "" {
			wsProxy = final.RESTProxyURL
		}
		if wsProxy != "" {
			futures.SetWsProxyUrl(wsProxy)
		}
	}
	return &Source{
		cfg:        final,
		client:     client,
		reconnectC: make(chan struct{}, 1),
	}, nil
}

// FetchRange pulls closed klines with open time in [from, to). It is the
// backfill path after a detected gap, so results come back ordered.
func (s *Source) FetchRange(ctx context.Context, symbol, interval string, from, to int64) ([]market.Candle, error) {
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		return nil, fmt.Errorf("symbol is required")
	}
	interval = strings.ToLower(strings.TrimSpace(interval))
	if interval == "" {
		return nil, fmt.Errorf("interval is required")
	}
	if to > 0 && to <= from {
		return nil, nil
	}
	svc := s.client.NewKlinesService().
		Symbol(toExchangeSymbol(symbol)).
		Interval(interval).
		StartTime(from).
		Limit(maxRangeLimit)
	if to > 0 {
		svc = svc.EndTime(to - 1)
	}
	kls, err := svc.Do(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]market.Candle, 0, len(kls))
	for _, kl := range kls {
		if kl == nil {
			continue
		}
		out = append(out, market.Candle{
			OpenTime:  kl.OpenTime,
			CloseTime: kl.CloseTime,
			Open:      parseFloat(kl.Open),
			High:      parseFloat(kl.High),
			Low:       parseFloat(kl.Low),
			Close:     parseFloat(kl.Close),
			Volume:    parseFloat(kl.Volume),
			Trades:    kl.TradeNum,
		})
	}
	return out, nil
}

// Subscribe streams kline events for one symbol and interval. The returned
// channel closes only when ctx ends; websocket drops are redialed inside the
// loop with exponential backoff.
func (s *Source) Subscribe(ctx context.Context, symbol, interval string, opts market.SubscribeOptions) (<-chan market.Event, error) {
	symbol = strings.TrimSpace(symbol)
	interval = strings.ToLower(strings.TrimSpace(interval))
	if symbol == "" || interval == "" {
		return nil, fmt.Errorf("symbol and interval are required")
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 512
	}
	out := make(chan market.Event, buffer)
	subCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	if s.subCancel != nil {
		s.subCancel()
	}
	s.subCancel = cancel
	s.mu.Unlock()

	go func() {
		defer close(out)
		s.runKlineLoop(subCtx, symbol, interval, out, opts)
	}()
	return out, nil
}

func (s *Source) runKlineLoop(ctx context.Context, symbol, interval string, out chan<- market.Event, opts market.SubscribeOptions) {
	exchangeSymbol := toExchangeSymbol(symbol)
	delay := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		var errMu sync.Mutex
		var lastErr error
		handler := func(event *futures.WsKlineEvent) {
			ev, ok := convertKlineEvent(event, symbol, interval)
			if !ok {
				return
			}
			select {
			case <-ctx.Done():
				return
			case out <- ev:
			default:
				s.statsMu.Lock()
				s.stats.Dropped++
				s.statsMu.Unlock()
				logger.Warnf("[binance] kline channel full, drop %s %s", symbol, interval)
			}
		}
		errHandler := func(err error) {
			if err == nil {
				return
			}
			errMu.Lock()
			lastErr = err
			errMu.Unlock()
		}
		doneC, stopC, err := futures.WsKlineServe(exchangeSymbol, interval, handler, errHandler)
		if err != nil {
			s.recordSubscribeError(err)
			if opts.OnDisconnect != nil {
				opts.OnDisconnect(err)
			}
			if !sleepWithContext(ctx, delay) {
				return
			}
			delay = nextDelay(delay)
			continue
		}
		delay = time.Second
		if opts.OnConnect != nil {
			opts.OnConnect()
		}
		select {
		case <-ctx.Done():
			close(stopC)
			<-doneC
			return
		case <-s.reconnectC:
			// Forced redial, usually because the feed went silent past its
			// heartbeat without the websocket noticing.
			close(stopC)
			<-doneC
		case <-doneC:
			close(stopC)
		}
		errMu.Lock()
		errCopy := lastErr
		errMu.Unlock()
		s.recordReconnect(errCopy)
		if opts.OnDisconnect != nil {
			opts.OnDisconnect(errCopy)
		}
		if !sleepWithContext(ctx, delay) {
			return
		}
		delay = nextDelay(delay)
	}
}

// Reconnect tears down the current websocket and lets the subscribe loop
// redial. It returns immediately; a redial already in flight absorbs the
// request.
func (s *Source) Reconnect(ctx context.Context) error {
	select {
	case s.reconnectC <- struct{}{}:
	default:
	}
	return nil
}

func (s *Source) Stats() market.SourceStats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subCancel != nil {
		s.subCancel()
		s.subCancel = nil
	}
	return nil
}

func parseFloat(v string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(v), 64)
	return f
}

func convertKlineEvent(ev *futures.WsKlineEvent, symbol, interval string) (market.Event, bool) {
	if ev == nil {
		return market.Event{}, false
	}
	c := market.Candle{
		OpenTime:  ev.Kline.StartTime,
		CloseTime: ev.Kline.EndTime,
		Open:      parseFloat(ev.Kline.Open),
		High:      parseFloat(ev.Kline.High),
		Low:       parseFloat(ev.Kline.Low),
		Close:     parseFloat(ev.Kline.Close),
		Volume:    parseFloat(ev.Kline.Volume),
		Trades:    ev.Kline.TradeNum,
	}
	if c.Close <= 0 {
		return market.Event{}, false
	}
	return market.Event{
		Symbol:   symbol,
		Interval: interval,
		Time:     ev.Time,
		Candle:   &c,
	}, true
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = time.Second
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func nextDelay(current time.Duration) time.Duration {
	if current <= 0 {
		return time.Second
	}
	next := current * 2
	if next > 30*time.Second {
		next = 30 * time.Second
	}
	return next
}

func (s *Source) recordSubscribeError(err error) {
	if err == nil {
		return
	}
	s.statsMu.Lock()
	s.stats.SubscribeErrors++
	s.stats.LastError = err.Error()
	s.statsMu.Unlock()
}

func (s *Source) recordReconnect(err error) {
	s.statsMu.Lock()
	s.stats.Reconnects++
	if err != nil && err.Error() != "" {
		s.stats.LastError = err.Error()
	}
	s.statsMu.Unlock()
}
