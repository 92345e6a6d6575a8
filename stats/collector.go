// Package stats samples the counter table periodically and turns
// successive samples into per-second rates.
package stats

import (
	"context"
	"fmt"
	"log"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/jnesss/vsm-recorder/vsc"
)

// Rate is a counter reading together with its change since the previous
// reading of the same counter.
type Rate struct {
	Name      string        `json:"name"`
	Value     uint64        `json:"value"`
	Semantics vsc.Semantics `json:"-"`
	Kind      string        `json:"kind"`
	Delta     uint64        `json:"delta"`
	PerSecond float64       `json:"per_second"`
}

// Storage persists collected rates.
type Storage interface {
	StoreCounters(ts time.Time, rates []Rate) error
}

type sample struct {
	value uint64
	at    time.Time
}

// Collector manages periodic collection of counter samples
type Collector struct {
	storage            Storage
	catalog            *vsc.Catalog
	previous           *lru.Cache
	collectionInterval time.Duration
}

// NewCollector creates a collector remembering the previous sample of up
// to cacheSize counters. storage may be nil.
func NewCollector(storage Storage, catalog *vsc.Catalog, interval time.Duration, cacheSize int) (*Collector, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("collection interval must be positive, got %v", interval)
	}
	previous, err := lru.New(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create sample cache: %v", err)
	}
	return &Collector{
		storage:            storage,
		catalog:            catalog,
		previous:           previous,
		collectionInterval: interval,
	}, nil
}

// Start collects every interval until ctx is done.
func (c *Collector) Start(ctx context.Context) error {
	ticker := time.NewTicker(c.collectionInterval)
	defer ticker.Stop()

	log.Printf("Starting counter collection every %v", c.collectionInterval)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			rates, err := c.Collect(now)
			if err != nil {
				log.Printf("Error collecting counters: %v", err)
				continue
			}
			if c.storage == nil {
				continue
			}
			if err := c.storage.StoreCounters(now, rates); err != nil {
				log.Printf("Error storing %d counter samples: %v", len(rates), err)
			}
		}
	}
}

// Collect takes one pass over the counter table. Only counters have a rate;
// gauges and bitmaps report zero. A counter that went backwards starts a new
// baseline.
func (c *Collector) Collect(now time.Time) ([]Rate, error) {
	var rates []Rate
	err := c.catalog.Enumerate(func(s vsc.Sample) bool {
		r := Rate{
			Name:      s.Name,
			Value:     s.Value,
			Semantics: s.Semantics,
			Kind:      s.Semantics.String(),
		}
		if v, ok := c.previous.Get(s.Name); ok && s.Semantics == vsc.Counter {
			prev := v.(sample)
			if s.Value >= prev.value {
				r.Delta = s.Value - prev.value
				if dt := now.Sub(prev.at).Seconds(); dt > 0 {
					r.PerSecond = float64(r.Delta) / dt
				}
			}
		}
		c.previous.Add(s.Name, sample{value: s.Value, at: now})
		rates = append(rates, r)
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate counters: %w", err)
	}
	return rates, nil
}
