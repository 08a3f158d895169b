package dispatcher

import (
	"context"
	"errors"
	"fmt"

	"github.com/Axway/agent-sdk/pkg/util/log"
	"github.com/mitchellh/mapstructure"
	"golang.org/x/sync/errgroup"

	"github.com/apim-haufe-io/wicked.kong-adapter/pkg/common"
	"github.com/apim-haufe-io/wicked.kong-adapter/pkg/sync"
	"github.com/apim-haufe-io/wicked.kong-adapter/pkg/wicked"
)

// ErrMissingField is returned for an event whose payload lacks a field its action needs.
var ErrMissingField = errors.New("webhook event is missing a required field")

// Engine is the part of the reconciliation engine events are dispatched to.
type Engine interface {
	SyncApis(ctx context.Context) error
	SyncAllConsumers(ctx context.Context) error
	SyncAppConsumers(ctx context.Context, appID string) error
	DeleteAppConsumers(ctx context.Context, appID string, subscriptions []sync.SubscriptionRef) error
	DeleteAppSubscriptionConsumer(ctx context.Context, sub sync.SubscriptionRef) error
	DeleteUserConsumer(ctx context.Context, userID string) error
	WipeAllConsumers(ctx context.Context) error
}

// EventQueue is the webhook listener registration and event queue on the portal.
type EventQueue interface {
	UpsertWebhookListener(ctx context.Context, listener wicked.WebhookListener) error
	GetWebhookEvents(ctx context.Context, listenerID string) ([]wicked.Event, error)
	DeleteWebhookEvent(ctx context.Context, listenerID, eventID string) error
}

// InitOptions selects the steps of an initialization run.
type InitOptions struct {
	RegisterListener bool
	SyncApis         bool
	SyncConsumers    bool
}

type Dispatcher struct {
	engine   Engine
	queue    EventQueue
	listener wicked.WebhookListener
	metrics  *Metrics
	logger   log.FieldLogger
}

type Option func(*Dispatcher)

func WithMetrics(metrics *Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = metrics
	}
}

func NewDispatcher(engine Engine, queue EventQueue, listener wicked.WebhookListener, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		engine:   engine,
		queue:    queue,
		listener: listener,
		logger:   log.NewFieldLogger().WithComponent("dispatcher").WithPackage("dispatcher"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Init registers the webhook listener, syncs the apis, replays pending events and syncs all
// consumers, each step only when selected.
func (d *Dispatcher) Init(ctx context.Context, opts InitOptions) error {
	if opts.RegisterListener {
		d.logger.WithField("url", d.listener.URL).Info("registering webhook listener")
		if err := d.queue.UpsertWebhookListener(ctx, d.listener); err != nil {
			return fmt.Errorf("register webhook listener: %w", err)
		}
	}
	if opts.SyncApis {
		if err := d.engine.SyncApis(ctx); err != nil {
			return err
		}
	}
	if opts.SyncConsumers {
		if err := d.ProcessPendingEvents(ctx); err != nil {
			return err
		}
		if err := d.engine.SyncAllConsumers(ctx); err != nil {
			return err
		}
	}
	d.logger.Info("initialization done")
	return nil
}

// Resync runs a full api and consumer sync.
func (d *Dispatcher) Resync(ctx context.Context) error {
	return d.Init(ctx, InitOptions{SyncApis: true, SyncConsumers: true})
}

// ProcessWebhooks dispatches live events one after the other. The first failing event stops the
// batch; it and the events after it stay queued.
func (d *Dispatcher) ProcessWebhooks(ctx context.Context, events []wicked.Event) error {
	for _, event := range events {
		if err := d.dispatch(ctx, event, false); err != nil {
			return err
		}
	}
	return nil
}

// ProcessPendingEvents replays the events queued while the adapter was away. The full consumer
// sync following a replay covers additions and updates, so only deletions are dispatched. An
// import makes every other pending event obsolete: consumers are wiped and synced again, then the
// whole queue is acknowledged.
func (d *Dispatcher) ProcessPendingEvents(ctx context.Context) error {
	events, err := d.queue.GetWebhookEvents(ctx, d.listener.ID)
	if err != nil {
		return fmt.Errorf("get pending events: %w", err)
	}
	d.logger.WithField("count", len(events)).Debug("processing pending events")
	if !containsImport(events) {
		for _, event := range events {
			if err := d.dispatch(ctx, event, true); err != nil {
				return err
			}
		}
		return nil
	}

	d.logger.Info("pending events contain an import, re-creating all consumers")
	if err := d.postImport(ctx); err != nil {
		return err
	}
	return d.acknowledgeAll(ctx, events)
}

func containsImport(events []wicked.Event) bool {
	for _, event := range events {
		if event.Entity == common.EntityImport {
			return true
		}
	}
	return false
}

func (d *Dispatcher) dispatch(ctx context.Context, event wicked.Event, onlyDelete bool) (err error) {
	logger := d.logger.
		WithField(common.AttrEventID, event.ID).
		WithField(common.AttrEntity, event.Entity).
		WithField(common.AttrAction, event.Action)
	defer func() { d.metrics.observe(event.Entity, event.Action, err) }()

	action := d.actionFor(event, onlyDelete)
	if action != nil {
		logger.Debug("dispatching event")
		if err := action(ctx); err != nil {
			logger.WithError(err).Error("event failed")
			return err
		}
	} else {
		logger.Trace("no action for event")
	}
	return d.acknowledge(ctx, event.ID)
}

// actionFor maps an event to what it triggers; nil means it is only acknowledged.
func (d *Dispatcher) actionFor(event wicked.Event, onlyDelete bool) func(context.Context) error {
	switch event.Entity {
	case common.EntityApplication:
		switch event.Action {
		case common.ActionAdd, common.ActionUpdate:
			if onlyDelete {
				return nil
			}
			return func(ctx context.Context) error {
				payload, err := decodeApplicationPayload(event.Data)
				if err != nil {
					return err
				}
				return d.engine.SyncAppConsumers(ctx, payload.ApplicationID)
			}
		case common.ActionDelete:
			return func(ctx context.Context) error {
				payload, err := decodeApplicationPayload(event.Data)
				if err != nil {
					return err
				}
				return d.engine.DeleteAppConsumers(ctx, payload.ApplicationID, payload.Subscriptions)
			}
		}
	case common.EntitySubscription:
		switch event.Action {
		case common.ActionAdd, common.ActionUpdate:
			if onlyDelete {
				return nil
			}
			return func(ctx context.Context) error {
				payload, err := decodeSubscriptionPayload(event.Data)
				if err != nil {
					return err
				}
				return d.engine.SyncAppConsumers(ctx, payload.ApplicationID)
			}
		case common.ActionDelete:
			return func(ctx context.Context) error {
				payload, err := decodeSubscriptionPayload(event.Data)
				if err != nil {
					return err
				}
				if payload.ApiID == "" {
					return fmt.Errorf("%w: apiId", ErrMissingField)
				}
				return d.engine.DeleteAppSubscriptionConsumer(ctx, payload.ref())
			}
		}
	case common.EntityUser:
		if event.Action != common.ActionDelete {
			return nil
		}
		return func(ctx context.Context) error {
			payload := &userPayload{}
			if err := decode(event.Data, payload); err != nil {
				return fmt.Errorf("decode user event: %w", err)
			}
			if payload.UserID == "" {
				return fmt.Errorf("%w: userId", ErrMissingField)
			}
			return d.engine.DeleteUserConsumer(ctx, payload.UserID)
		}
	case common.EntityImport:
		return d.postImport
	}
	return nil
}

func (d *Dispatcher) postImport(ctx context.Context) error {
	if err := d.engine.WipeAllConsumers(ctx); err != nil {
		return err
	}
	return d.engine.SyncAllConsumers(ctx)
}

func (d *Dispatcher) acknowledge(ctx context.Context, eventID string) error {
	if err := d.queue.DeleteWebhookEvent(ctx, d.listener.ID, eventID); err != nil {
		return fmt.Errorf("acknowledge event %s: %w", eventID, err)
	}
	return nil
}

func (d *Dispatcher) acknowledgeAll(ctx context.Context, events []wicked.Event) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(common.MaxParallelCalls)
	for _, event := range events {
		eventID := event.ID
		g.Go(func() error {
			return d.acknowledge(gctx, eventID)
		})
	}
	return g.Wait()
}

type applicationPayload struct {
	ApplicationID string                 `mapstructure:"applicationId"`
	Subscriptions []sync.SubscriptionRef `mapstructure:"subscriptions"`
}

type subscriptionPayload struct {
	SubscriptionID string `mapstructure:"subscriptionId"`
	ApplicationID  string `mapstructure:"applicationId"`
	ApiID          string `mapstructure:"apiId"`
	UserID         string `mapstructure:"userId"`
	Auth           string `mapstructure:"auth"`
}

type userPayload struct {
	UserID string `mapstructure:"userId"`
}

func (p subscriptionPayload) ref() sync.SubscriptionRef {
	return sync.SubscriptionRef{
		Application: p.ApplicationID,
		Api:         p.ApiID,
		Auth:        p.Auth,
		UserID:      p.UserID,
	}
}

func decode(data map[string]interface{}, target interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           target,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(data)
}

func decodeApplicationPayload(data map[string]interface{}) (*applicationPayload, error) {
	payload := &applicationPayload{}
	if err := decode(data, payload); err != nil {
		return nil, fmt.Errorf("decode application event: %w", err)
	}
	if payload.ApplicationID == "" {
		return nil, fmt.Errorf("%w: applicationId", ErrMissingField)
	}
	return payload, nil
}

func decodeSubscriptionPayload(data map[string]interface{}) (*subscriptionPayload, error) {
	payload := &subscriptionPayload{}
	if err := decode(data, payload); err != nil {
		return nil, fmt.Errorf("decode subscription event: %w", err)
	}
	if payload.ApplicationID == "" {
		return nil, fmt.Errorf("%w: applicationId", ErrMissingField)
	}
	return payload, nil
}
