/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package relayer

import (
	"context"
	"embed"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/wiimdy/openfunderse-sub000/config"
	"github.com/wiimdy/openfunderse-sub000/database"
	"github.com/wiimdy/openfunderse-sub000/internal/apierror"
	"github.com/wiimdy/openfunderse-sub000/internal/cache"
	"github.com/wiimdy/openfunderse-sub000/ledger"
	"github.com/wiimdy/openfunderse-sub000/model"
)

var tracer = otel.Tracer("openfunderse.relayer")

const fundCacheTTL = 30 * time.Second

//go:embed sql/*.sql
var SQLFiles embed.FS

// Relayer drives epochs, consensus and intent execution for every fund held
// by the datasource.
type Relayer struct {
	datasource database.IDataSource
	config     *config.Configuration
	redis      redis.UniversalClient
	queue      *Queue
	cache      cache.Cache
	publisher  Publisher
	verifier   SignatureVerifier
	newSigner  ledger.SignerFactory
	metrics    *Metrics
	now        func() time.Time

	gatewayMu sync.Mutex
	gateway   ledger.Gateway
}

// Option customises a Relayer.
type Option func(*Relayer)

// WithGateway replaces the lazily dialled ledger client.
func WithGateway(g ledger.Gateway) Option {
	return func(r *Relayer) { r.gateway = g }
}

func WithSignerFactory(f ledger.SignerFactory) Option {
	return func(r *Relayer) { r.newSigner = f }
}

func WithPublisher(p Publisher) Option {
	return func(r *Relayer) { r.publisher = p }
}

func WithCache(c cache.Cache) Option {
	return func(r *Relayer) { r.cache = c }
}

func WithVerifier(v SignatureVerifier) Option {
	return func(r *Relayer) { r.verifier = v }
}

func WithClock(now func() time.Time) Option {
	return func(r *Relayer) { r.now = now }
}

// WithRedis enables the pub/sub fan-out of events, the shared fund cache and
// the scheduler locks.
func WithRedis(client redis.UniversalClient) Option {
	return func(r *Relayer) { r.redis = client }
}

// WithQueue enables webhook delivery of events.
func WithQueue(q *Queue) Option {
	return func(r *Relayer) { r.queue = q }
}

func WithMetrics(m *Metrics) Option {
	return func(r *Relayer) { r.metrics = m }
}

// NewRelayer initializes a new instance of Relayer with the provided datasource.
// It fetches the configuration and fills every collaborator not supplied
// through an option.
//
// Parameters:
// - db database.IDataSource: The datasource for database operations.
// - opts ...Option: Optional collaborators (ledger gateway, publisher, cache, clock).
//
// Returns:
// - *Relayer: A pointer to the newly created Relayer instance.
// - error: An error if the configuration is not loaded.
func NewRelayer(db database.IDataSource, opts ...Option) (*Relayer, error) {
	configuration, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	r := &Relayer{
		datasource: db,
		config:     configuration,
		newSigner:  ledger.NewKeySigner,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.metrics == nil {
		r.metrics = NewMetrics()
	}
	if r.cache == nil {
		r.cache = cache.New(r.redis)
	}
	if r.publisher == nil {
		r.publisher = NewEventPublisher(db, r.redis, r.queue, configuration)
	}
	return r, nil
}

// Config returns the configuration the relayer was built with.
func (r *Relayer) Config() *config.Configuration {
	return r.config
}

func (r *Relayer) Metrics() *Metrics {
	return r.metrics
}

func (r *Relayer) Datasource() database.IDataSource {
	return r.datasource
}

// ledgerGateway returns the ledger client, dialling it on first use. Chain
// settings are checked on every call so a missing RPC endpoint is always a
// configuration error, never an onchain one.
func (r *Relayer) ledgerGateway(ctx context.Context) (ledger.Gateway, error) {
	if err := r.config.Chain.ValidateChain(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrConfig, err.Error(), nil)
	}

	r.gatewayMu.Lock()
	defer r.gatewayMu.Unlock()
	if r.gateway != nil {
		return r.gateway, nil
	}

	client, err := ledger.Dial(ctx, r.config.Chain)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrOnchain, "failed to connect to ledger", err)
	}
	r.gateway = client
	return r.gateway, nil
}

func (r *Relayer) publisherSigner() (ledger.Signer, error) {
	key, err := r.config.Signer.PublisherKey()
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrConfig, err.Error(), nil)
	}
	return r.signer(key)
}

func (r *Relayer) executionSigner() (ledger.Signer, error) {
	key, err := r.config.Signer.ExecutionKey()
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrConfig, err.Error(), nil)
	}
	return r.signer(key)
}

func (r *Relayer) signer(key string) (ledger.Signer, error) {
	s, err := r.newSigner(key)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrConfig, "invalid signer key", err)
	}
	return s, nil
}

func fundCacheKey(fundID string) string {
	return "fund:" + fundID
}

// GetFund returns a fund, served from the cache when possible.
func (r *Relayer) GetFund(ctx context.Context, fundID string) (*model.Fund, error) {
	ctx, span := tracer.Start(ctx, "GetFund")
	defer span.End()

	var fund model.Fund
	err := r.cache.Once(ctx, fundCacheKey(fundID), &fund, fundCacheTTL, func() (interface{}, error) {
		return r.datasource.GetFund(ctx, fundID)
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return &fund, nil
}

// InvalidateFund drops a cached fund after its settings changed.
func (r *Relayer) InvalidateFund(ctx context.Context, fundID string) error {
	return r.cache.Delete(ctx, fundCacheKey(fundID))
}
