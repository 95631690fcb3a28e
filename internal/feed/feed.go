// Package feed is the optional market-data poller: on its own schedule it
// pulls raw event/odds records from an upstream JSON API, registers events it
// has not seen and appends fresh odds to the live ones it is tracking.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"odds-market/internal/market"
	"odds-market/internal/model"
)

// upstreamEvent is the shape the upstream API returns per event.
type upstreamEvent struct {
	ExternalID string    `json:"external_id"`
	Title      string    `json:"title"`
	Type       string    `json:"type"`
	StartTime  time.Time `json:"start_time"`
	Odds       []struct {
		Option string  `json:"option"`
		Value  float64 `json:"value"`
	} `json:"odds"`
}

type Syncer struct {
	registry *market.Registry
	baseURL  string
	client   *http.Client
	interval time.Duration
	log      *zap.Logger

	mu      sync.Mutex
	tracked map[string]string // upstream external id -> registry event id
}

func NewSyncer(registry *market.Registry, baseURL string, timeout, interval time.Duration, log *zap.Logger) *Syncer {
	return &Syncer{
		registry: registry,
		baseURL:  baseURL,
		client:   &http.Client{Timeout: timeout},
		interval: interval,
		log:      log,
		tracked:  make(map[string]string),
	}
}

// Run syncs until ctx is cancelled. Same non-overlap discipline as the live
// monitor: syncs run inline, and the fire the ticker buffers during a slow
// sync is drained so passes never run back-to-back.
func (s *Syncer) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("data sync started",
		zap.String("url", s.baseURL), zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.log.Info("data sync stopped")
			return
		case <-ticker.C:
			if err := s.sync(ctx); err != nil {
				s.log.Warn("data sync failed", zap.Error(err))
			}
			select {
			case <-ticker.C:
			default:
			}
		}
	}
}

// sync performs one fetch-and-ingest pass.
func (s *Syncer) sync(ctx context.Context) error {
	upstream, err := s.fetch(ctx)
	if err != nil {
		return err
	}

	created, updated := 0, 0
	for _, ue := range upstream {
		if ue.ExternalID == "" || ue.Title == "" {
			continue
		}
		s.mu.Lock()
		eventID, known := s.tracked[ue.ExternalID]
		s.mu.Unlock()

		if !known {
			id, err := s.ingest(ctx, ue)
			if err != nil {
				s.log.Warn("event ingest failed",
					zap.String("external_id", ue.ExternalID), zap.Error(err))
				continue
			}
			s.mu.Lock()
			s.tracked[ue.ExternalID] = id
			s.mu.Unlock()
			created++
			continue
		}

		if len(ue.Odds) == 0 {
			continue
		}
		updates := make([]model.OddsUpdateReq, 0, len(ue.Odds))
		for _, o := range ue.Odds {
			updates = append(updates, model.OddsUpdateReq{Option: o.Option, Value: o.Value})
		}
		if _, err := s.registry.AppendOdds(ctx, eventID, updates); err != nil {
			// Not live (yet, or anymore): nothing to refresh.
			if errors.Is(err, model.ErrInvalidStateTransition) {
				continue
			}
			s.log.Warn("odds refresh failed", zap.String("event_id", eventID), zap.Error(err))
			continue
		}
		updated++
	}

	s.log.Info("data sync pass finished",
		zap.Int("upstream", len(upstream)),
		zap.Int("created", created),
		zap.Int("odds_refreshed", updated))
	return nil
}

func (s *Syncer) fetch(ctx context.Context) ([]upstreamEvent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/events", nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upstream status %d", resp.StatusCode)
	}
	var out []upstreamEvent
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode upstream events: %w", err)
	}
	return out, nil
}

func (s *Syncer) ingest(ctx context.Context, ue upstreamEvent) (string, error) {
	typ := model.EventType(ue.Type)
	if !model.ValidEventType(typ) {
		typ = model.EventOther
	}
	odds := make([]model.OddsEntry, 0, len(ue.Odds))
	for _, o := range ue.Odds {
		odds = append(odds, model.OddsEntry{Option: o.Option, Value: o.Value})
	}
	e, err := s.registry.CreateEvent(ctx, ue.Title, typ, ue.StartTime, odds)
	if err != nil {
		return "", err
	}
	return e.ID, nil
}
