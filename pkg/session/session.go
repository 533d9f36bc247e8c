// Package session turns change events into candle updates for one consumer.
package session

import (
	"context"
	"errors"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/nicktill/tinyohlc/pkg/engine"
	"github.com/nicktill/tinyohlc/pkg/notify"
	"github.com/nicktill/tinyohlc/pkg/series"
)

// Reader is the read side of the engine a session pulls candles from
type Reader interface {
	ReadLastN(ctx context.Context, inst series.Instrument, resolution string, n int) ([]engine.Candle, error)
	ReadCandle(ctx context.Context, inst series.Instrument, resolution string, bucketStart int64) (engine.Candle, bool, error)
}

// Update is a change event together with the candle it refers to
type Update struct {
	Event  notify.Event
	Candle engine.Candle
}

// Session consumes one subscription
type Session struct {
	sub    *notify.Subscription
	reader Reader
	logger *zap.Logger

	handled atomic.Int64
	skipped atomic.Int64
}

// New creates a session for sub
func New(sub *notify.Subscription, reader Reader, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		sub:    sub,
		reader: reader,
		logger: logger.Named("session").With(zap.String("subscription", sub.ID)),
	}
}

// Run delivers updates to handler until ctx is done or the subscription
// closes. Handler errors are logged and do not end the session.
func (s *Session) Run(ctx context.Context, handler func(Update) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-s.sub.Events():
			if !ok {
				return nil
			}

			c, found, err := s.pull(ctx, ev)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.skipped.Add(1)
				s.logger.Warn("failed to read candle",
					zap.Stringer("instrument", ev.Instrument),
					zap.String("resolution", ev.Resolution),
					zap.Error(err),
				)
				continue
			}
			if !found {
				// Evicted or deregistered since the event fired
				s.skipped.Add(1)
				continue
			}

			if err := handler(Update{Event: ev, Candle: c}); err != nil {
				s.logger.Warn("update handler failed", zap.Error(err))
				continue
			}
			s.handled.Add(1)
		}
	}
}

// pull fetches the candle for the event. The newest candle is the common
// case; older buckets fall back to a point read.
func (s *Session) pull(ctx context.Context, ev notify.Event) (engine.Candle, bool, error) {
	candles, err := s.reader.ReadLastN(ctx, ev.Instrument, ev.Resolution, 1)
	if errors.Is(err, engine.ErrUnknownInstrument) || errors.Is(err, engine.ErrUnknownResolution) {
		return engine.Candle{}, false, nil
	}
	if err != nil {
		return engine.Candle{}, false, err
	}
	if len(candles) == 1 && candles[0].BucketStart == ev.BucketStart {
		return candles[0], true, nil
	}
	return s.reader.ReadCandle(ctx, ev.Instrument, ev.Resolution, ev.BucketStart)
}

// Handled returns how many updates reached the handler successfully
func (s *Session) Handled() int64 { return s.handled.Load() }

// Skipped returns how many events had no readable candle
func (s *Session) Skipped() int64 { return s.skipped.Load() }
