package kong

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Axway/agent-sdk/pkg/util/log"
	klib "github.com/kong/go-kong/kong"

	"github.com/apim-haufe-io/wicked.kong-adapter/pkg/config"
)

// expected answer per verb; anything else, even another 2xx, fails the call
var expectedStatus = map[string]int{
	http.MethodGet:    http.StatusOK,
	http.MethodPost:   http.StatusCreated,
	http.MethodPatch:  http.StatusOK,
	http.MethodDelete: http.StatusNoContent,
}

// KongClient talks to the legacy (apis based) Kong Admin API.
type KongClient struct {
	*klib.Client
	logger       log.FieldLogger
	availability *Availability
	stats        *Statistics
	metrics      *Metrics
	adminURL     string
	curl         bool
}

type Option func(*KongClient)

func WithAvailability(availability *Availability) Option {
	return func(k *KongClient) {
		k.availability = availability
	}
}

func WithStatistics(stats *Statistics) Option {
	return func(k *KongClient) {
		k.stats = stats
	}
}

func WithMetrics(metrics *Metrics) Option {
	return func(k *KongClient) {
		k.metrics = metrics
	}
}

func NewKongClient(baseClient *http.Client, kongConfig *config.KongConfig, opts ...Option) (*KongClient, error) {
	logger := log.NewFieldLogger().WithComponent("client").WithPackage("kong")

	adminURL := strings.TrimSuffix(kongConfig.Admin.Url, "/")
	if tlsCfg := kongConfig.Admin.TLS; tlsCfg != nil && strings.HasPrefix(adminURL, "https") {
		baseClient.Transport = &http.Transport{
			Proxy:           http.ProxyFromEnvironment,
			TLSClientConfig: tlsCfg.BuildTLSConfig(),
		}
	}
	if kongConfig.Admin.Auth.APIKey.Value != "" {
		headers := make(http.Header)
		headers.Set(kongConfig.Admin.Auth.APIKey.Header, kongConfig.Admin.Auth.APIKey.Value)
		baseClient = klib.HTTPClientWithHeaders(baseClient, headers)
	}

	baseKongClient, err := klib.NewClient(&adminURL, baseClient)
	if err != nil {
		logger.WithError(err).Error("failed to create kong client")
		return nil, err
	}
	k := &KongClient{
		Client:       baseKongClient,
		logger:       log.NewFieldLogger().WithComponent("KongClient").WithPackage("kong"),
		availability: NewAvailability(),
		stats:        NewStatistics(),
		adminURL:     adminURL,
		curl:         kongConfig.Curl,
	}
	for _, opt := range opts {
		opt(k)
	}
	return k, nil
}

func (k *KongClient) Availability() *Availability {
	return k.availability
}

func (k *KongClient) Statistics() *Statistics {
	return k.stats
}

func (k *KongClient) get(ctx context.Context, endpoint string, v interface{}) error {
	return k.action(ctx, http.MethodGet, endpoint, nil, v)
}

func (k *KongClient) post(ctx context.Context, endpoint string, body, v interface{}) error {
	return k.action(ctx, http.MethodPost, endpoint, body, v)
}

func (k *KongClient) patch(ctx context.Context, endpoint string, body, v interface{}) error {
	return k.action(ctx, http.MethodPatch, endpoint, body, v)
}

func (k *KongClient) delete(ctx context.Context, endpoint string) error {
	return k.action(ctx, http.MethodDelete, endpoint, nil, nil)
}

// action issues one admin call. Every call is counted, even when the gateway is known to be
// unavailable and the call is not sent.
func (k *KongClient) action(ctx context.Context, method, endpoint string, body, v interface{}) error {
	k.stats.Record(method, endpoint, body)

	if available, message := k.availability.Available(); !available {
		k.metrics.observe(method, "unavailable", -1)
		return fmt.Errorf("%w: %s", ErrGatewayUnavailable, message)
	}
	return k.send(ctx, method, endpoint, body, v)
}

// send performs the call without consulting the availability flag.
func (k *KongClient) send(ctx context.Context, method, endpoint string, body, v interface{}) error {
	log := k.logger.WithField("method", method).WithField("url", endpoint)
	log.Trace("kong action")
	if k.curl {
		k.logCurl(method, endpoint, body)
	}

	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	req, err := k.NewRequest(method, endpoint, nil, body)
	if err != nil {
		log.WithError(err).Error("failed to create request")
		return err
	}

	start := time.Now()
	res, err := k.Do(ctx, req, v)
	elapsed := time.Since(start).Seconds()
	expected := expectedStatus[method]
	if err != nil {
		var apiErr *klib.APIError
		if errors.As(err, &apiErr) {
			k.metrics.observe(method, fmt.Sprint(apiErr.Code()), elapsed)
			return &StatusError{Method: method, URL: endpoint, Status: apiErr.Code(), Expected: expected, Body: apiErr.Error()}
		}
		k.metrics.observe(method, "error", elapsed)
		return fmt.Errorf("kong %s on %s: %w", method, endpoint, err)
	}
	k.metrics.observe(method, fmt.Sprint(res.StatusCode), elapsed)
	if res.StatusCode != expected {
		log.WithField("status", res.StatusCode).Debug("unexpected status code")
		return &StatusError{Method: method, URL: endpoint, Status: res.StatusCode, Expected: expected}
	}
	return nil
}

func (k *KongClient) logCurl(method, endpoint string, body interface{}) {
	url := k.adminURL + "/" + strings.TrimPrefix(endpoint, "/")
	if body == nil || method == http.MethodGet || method == http.MethodDelete {
		k.logger.Infof("curl -X %s %s", method, url)
		return
	}
	data, _ := json.Marshal(body)
	k.logger.Infof("curl -X %s -d '%s' -H 'Content-Type: application/json' %s", method, string(data), url)
}

// GetRaw reads any admin resource, e.g. a pagination cursor.
func (k *KongClient) GetRaw(ctx context.Context, endpoint string, v interface{}) error {
	return k.get(ctx, endpoint, v)
}

// GetGlobals reads the node information served at the admin root. Probes bypass the
// availability flag, they are what sets it, but they are counted like any other call.
func (k *KongClient) GetGlobals(ctx context.Context) (json.RawMessage, error) {
	return k.probe(ctx, "/")
}

// GetStatus reads the node status.
func (k *KongClient) GetStatus(ctx context.Context) (json.RawMessage, error) {
	return k.probe(ctx, "status")
}

func (k *KongClient) probe(ctx context.Context, endpoint string) (json.RawMessage, error) {
	k.stats.Record(http.MethodGet, endpoint, nil)
	var raw json.RawMessage
	if err := k.send(ctx, http.MethodGet, endpoint, nil, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}
