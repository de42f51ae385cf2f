package market

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"vigil/internal/logger"
)

// ReplaySource streams candles from a JSON-lines file. Each line is one
// Event document, validated against the stream schema; malformed lines are
// dropped and counted, they never stop the replay.
//
// Used for paper sessions and deterministic tests.
type ReplaySource struct {
	path   string
	events []Event

	mu     sync.Mutex
	cancel context.CancelFunc
	played bool

	statsMu sync.Mutex
	stats   SourceStats
}

func NewReplaySource(path string) (*ReplaySource, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("replay source requires a path")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open replay file failed: %w", err)
	}
	defer f.Close()

	src := &ReplaySource{path: path}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		evt, err := decodeEventLine([]byte(line))
		if err != nil {
			src.statsMu.Lock()
			src.stats.Dropped++
			src.statsMu.Unlock()
			logger.Warnf("[replay] line %d dropped: %v", lineNum, err)
			continue
		}
		src.events = append(src.events, evt)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read replay file failed: %w", err)
	}
	sort.SliceStable(src.events, func(i, j int) bool {
		return src.events[i].Time < src.events[j].Time
	})
	if len(src.events) == 0 {
		return nil, fmt.Errorf("replay file %s contains no valid events", path)
	}
	return src, nil
}

// decodeEventLine validates then decodes one raw event document.
func decodeEventLine(raw []byte) (Event, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrSchemaInvalid, err)
	}
	if err := ValidateEventPayload(doc); err != nil {
		return Event{}, err
	}
	var evt Event
	if err := json.Unmarshal(raw, &evt); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrSchemaInvalid, err)
	}
	return evt, nil
}

func (s *ReplaySource) FetchRange(ctx context.Context, symbol, interval string, from, to int64) ([]Candle, error) {
	if to <= from {
		return nil, nil
	}
	var out []Candle
	for _, evt := range s.events {
		if evt.Candle == nil || evt.Time < from || evt.Time >= to {
			continue
		}
		if symbol != "" && !strings.EqualFold(evt.Symbol, symbol) {
			continue
		}
		out = append(out, *evt.Candle)
	}
	return out, nil
}

func (s *ReplaySource) Subscribe(ctx context.Context, symbol, interval string, opts SubscribeOptions) (<-chan Event, error) {
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	out := make(chan Event, buffer)
	subCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	if s.played {
		s.mu.Unlock()
		cancel()
		// A finished file has nothing more to stream: resubscribing must not
		// restart it from the top, so the retry layer gives up cleanly.
		return nil, fmt.Errorf("%w: replay file fully streamed", ErrFeedExhausted)
	}
	s.played = true
	if s.cancel != nil {
		s.cancel()
	}
	s.cancel = cancel
	s.mu.Unlock()

	go func() {
		defer close(out)
		if opts.OnConnect != nil {
			opts.OnConnect()
		}
		for _, evt := range s.events {
			if symbol != "" && !strings.EqualFold(evt.Symbol, symbol) {
				continue
			}
			select {
			case <-subCtx.Done():
				return
			case out <- evt:
			}
		}
		if opts.OnDisconnect != nil {
			opts.OnDisconnect(errors.New("replay finished"))
		}
	}()
	return out, nil
}

// Reconnect is a no-op for file replay beyond bookkeeping; the stream cannot
// actually go stale but the resilience layer may still ask.
func (s *ReplaySource) Reconnect(ctx context.Context) error {
	s.statsMu.Lock()
	s.stats.Reconnects++
	s.statsMu.Unlock()
	return nil
}

func (s *ReplaySource) Stats() SourceStats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

func (s *ReplaySource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	return nil
}
