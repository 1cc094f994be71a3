// Package otel adapts query.Metrics onto OpenTelemetry metric instruments,
// grounded on the toolops observe package's meter-based Metrics adapter.
package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/brooklime/refetch/query"
)

// Adapter implements query.Metrics by recording counters against an
// OpenTelemetry Meter. Instrument recording calls take a background
// context since query.Metrics methods are not context-aware.
type Adapter struct {
	cacheHits   metric.Int64Counter
	cacheMisses metric.Int64Counter
	fetchStarts metric.Int64Counter
	fetchOK     metric.Int64Counter
	fetchErr    metric.Int64Counter
	dedups      metric.Int64Counter
	retries     metric.Int64Counter
}

// New builds an Adapter against meter, creating one counter per observed
// event. Returns an error if any instrument fails to register.
func New(meter metric.Meter) (*Adapter, error) {
	cacheHits, err := meter.Int64Counter("query.cache.hits", metric.WithDescription("Fetcher cache hits"))
	if err != nil {
		return nil, err
	}
	cacheMisses, err := meter.Int64Counter("query.cache.misses", metric.WithDescription("Fetcher cache misses"))
	if err != nil {
		return nil, err
	}
	fetchStarts, err := meter.Int64Counter("query.fetch.starts", metric.WithDescription("Network fetches dispatched"))
	if err != nil {
		return nil, err
	}
	fetchOK, err := meter.Int64Counter("query.fetch.success", metric.WithDescription("Network fetches that succeeded"))
	if err != nil {
		return nil, err
	}
	fetchErr, err := meter.Int64Counter("query.fetch.errors", metric.WithDescription("Network fetches that failed"))
	if err != nil {
		return nil, err
	}
	dedups, err := meter.Int64Counter("query.fetch.dedup", metric.WithDescription("Fetches coalesced or dropped by the dedupe window"))
	if err != nil {
		return nil, err
	}
	retries, err := meter.Int64Counter("query.fetch.retries", metric.WithDescription("Retry attempts scheduled after a fetch error"))
	if err != nil {
		return nil, err
	}
	return &Adapter{
		cacheHits: cacheHits, cacheMisses: cacheMisses,
		fetchStarts: fetchStarts, fetchOK: fetchOK, fetchErr: fetchErr,
		dedups: dedups, retries: retries,
	}, nil
}

func (a *Adapter) CacheHit(key string)  { a.cacheHits.Add(context.Background(), 1, keyAttr(key)) }
func (a *Adapter) CacheMiss(key string) { a.cacheMisses.Add(context.Background(), 1, keyAttr(key)) }
func (a *Adapter) FetchStart(key string) {
	a.fetchStarts.Add(context.Background(), 1, keyAttr(key))
}
func (a *Adapter) FetchSuccess(key string) { a.fetchOK.Add(context.Background(), 1, keyAttr(key)) }
func (a *Adapter) FetchError(key string)   { a.fetchErr.Add(context.Background(), 1, keyAttr(key)) }
func (a *Adapter) Dedup(key string)        { a.dedups.Add(context.Background(), 1, keyAttr(key)) }

func (a *Adapter) Retry(key string, attempt int) {
	a.retries.Add(context.Background(), 1, keyAttr(key))
}

func keyAttr(key string) metric.AddOption {
	return metric.WithAttributes(attribute.String("query.key", key))
}

var _ query.Metrics = (*Adapter)(nil)
