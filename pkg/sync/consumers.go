package sync

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/apim-haufe-io/wicked.kong-adapter/pkg/common"
	"github.com/apim-haufe-io/wicked.kong-adapter/pkg/kong"
)

const wipePage = "consumers?size=100"

// SyncAllConsumers makes the gateway consumers of every application and portal user match the
// portal.
func (e *Engine) SyncAllConsumers(ctx context.Context) (err error) {
	defer func() { e.metrics.observe("all_consumers", err) }()
	desired, err := e.desired.GetAllPortalConsumers(ctx)
	if err != nil {
		return err
	}
	return e.syncConsumers(ctx, desired)
}

// SyncAppConsumers makes the gateway consumers of one application match its subscriptions.
func (e *Engine) SyncAppConsumers(ctx context.Context, appID string) (err error) {
	defer func() { e.metrics.observe("app_consumers", err) }()
	desired, err := e.desired.GetAppConsumers(ctx, appID)
	if err != nil {
		return err
	}
	if err := e.syncConsumers(ctx, desired); err != nil {
		return err
	}
	e.logger.WithField(common.AttrAppID, appID).Debug("synced application consumers")
	return nil
}

func (e *Engine) syncConsumers(ctx context.Context, desired []kong.ConsumerInfo) error {
	if len(desired) == 0 {
		e.logger.Debug("no consumers to sync")
		return nil
	}
	found, err := e.observed.GetKongConsumers(ctx, desired)
	if err != nil {
		return err
	}
	observed := []kong.ConsumerInfo{}
	for _, consumer := range found {
		if consumer != nil {
			observed = append(observed, *consumer)
		}
	}

	todo := assembleConsumerTodo(desired, observed)
	e.logger.
		WithField("add", len(todo.add)).
		WithField("update", len(todo.update)).
		WithField("delete", len(todo.delete)).
		Debug("consumer todo list")

	// nothing is applied when the pass would have to delete
	if len(todo.delete) > 0 {
		usernames := make([]string, len(todo.delete))
		for i, item := range todo.delete {
			usernames[i] = item.Observed.Username()
		}
		e.logger.WithField("usernames", usernames).Error("general consumer sync wants to delete consumers")
		return fmt.Errorf("%w: %d consumers", ErrInvariantViolation, len(todo.delete))
	}

	if err := e.addConsumers(ctx, todo.add); err != nil {
		return err
	}
	return e.updateConsumers(ctx, todo.update)
}

// addConsumers creates each consumer, then its auth plugins kind by kind, then its api plugins.
func (e *Engine) addConsumers(ctx context.Context, items []ConsumerAddItem) error {
	for _, item := range items {
		desired := item.Desired
		e.logger.WithField(common.AttrConsumerName, desired.Username()).Info("adding consumer")
		created, err := e.gateway.CreateConsumer(ctx, desired.Consumer)
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", desired.Username(), err)
		}
		consumerID := ""
		if created.ID != nil {
			consumerID = *created.ID
		}
		for _, kind := range kong.ConsumerPluginKinds {
			if err := e.addConsumerPlugins(ctx, consumerID, kind, desired.Plugins[kind]); err != nil {
				return err
			}
		}
		for _, plugin := range desired.ApiPlugins {
			if e.ignored(plugin.Name) {
				continue
			}
			if err := e.addConsumerApiPlugin(ctx, desired, consumerID, plugin); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) updateConsumers(ctx context.Context, items []ConsumerUpdateItem) error {
	for _, item := range items {
		if err := e.updateConsumer(ctx, item.Desired, item.Observed); err != nil {
			return err
		}
		if err := e.updateConsumerPlugins(ctx, item.Desired, item.Observed); err != nil {
			return err
		}
		if err := e.SyncConsumerApiPlugins(ctx, item.Desired, item.Observed); err != nil {
			return err
		}
	}
	return nil
}

// updateConsumer patches the custom id, the only field of a consumer which may change.
func (e *Engine) updateConsumer(ctx context.Context, desired, observed kong.ConsumerInfo) error {
	if desired.CustomID() == observed.CustomID() {
		return nil
	}
	e.logger.
		WithField(common.AttrConsumerName, observed.Username()).
		WithField("customID", desired.CustomID()).
		Debug("updating consumer custom id")
	patch := desired.Consumer
	patch.ID, patch.Username, patch.CreatedAt = nil, nil, nil
	if _, err := e.gateway.PatchConsumer(ctx, observed.ID(), patch); err != nil {
		return fmt.Errorf("patch consumer %s: %w", observed.Username(), err)
	}
	return nil
}

// updateConsumerPlugins replaces auth plugin instances which differ, a partial patch could leave
// stale fields behind.
func (e *Engine) updateConsumerPlugins(ctx context.Context, desired, observed kong.ConsumerInfo) error {
	consumerID := observed.ID()
	for _, kind := range kong.ConsumerPluginKinds {
		desiredData := desired.Plugins[kind]
		observedData := observed.Plugins[kind]
		switch {
		case len(desiredData) > 0 && len(observedData) == 0:
			if err := e.addConsumerPlugins(ctx, consumerID, kind, desiredData); err != nil {
				return err
			}
		case len(desiredData) == 0 && len(observedData) > 0:
			if err := e.deleteConsumerPlugins(ctx, consumerID, kind, observedData); err != nil {
				return err
			}
		case len(desiredData) > 0 && !e.matches(desiredData, observedData):
			e.logger.
				WithField(common.AttrConsumerName, observed.Username()).
				WithField(common.AttrPluginName, kind.String()).
				Debug("consumer plugin does not match, replacing")
			if err := e.deleteConsumerPlugins(ctx, consumerID, kind, observedData); err != nil {
				return err
			}
			if err := e.addConsumerPlugins(ctx, consumerID, kind, desiredData); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) addConsumerPlugins(ctx context.Context, consumerID string, kind kong.PluginKind, data []kong.PluginData) error {
	for _, instance := range data {
		if _, err := e.gateway.CreateConsumerPlugin(ctx, consumerID, kind, instance); err != nil {
			return fmt.Errorf("add %s to consumer %s: %w", kind, consumerID, err)
		}
	}
	return nil
}

func (e *Engine) deleteConsumerPlugins(ctx context.Context, consumerID string, kind kong.PluginKind, data []kong.PluginData) error {
	for _, instance := range data {
		if err := e.gateway.DeleteConsumerPlugin(ctx, consumerID, kind, instance.ID()); err != nil {
			return fmt.Errorf("delete %s %s of consumer %s: %w", kind, instance.ID(), consumerID, err)
		}
	}
	return nil
}

// SyncConsumerApiPlugins makes the api plugins scoped to one consumer match the plan. Adds run
// first, then patches, then deletes. A patch deletes the plugin and adds it again.
func (e *Engine) SyncConsumerApiPlugins(ctx context.Context, desired, observed kong.ConsumerInfo) error {
	todo := e.assembleConsumerApiPluginTodo(desired, observed)
	consumerID := observed.ID()

	for _, item := range todo.add {
		if err := e.addConsumerApiPlugin(ctx, desired, consumerID, item.Desired); err != nil {
			return err
		}
	}
	for _, item := range todo.patch {
		if err := e.deleteConsumerApiPlugin(ctx, item.Observed); err != nil {
			return err
		}
		if err := e.addConsumerApiPlugin(ctx, desired, consumerID, item.Desired); err != nil {
			return err
		}
	}
	for _, item := range todo.delete {
		if err := e.deleteConsumerApiPlugin(ctx, item.Observed); err != nil {
			return err
		}
	}
	return nil
}

// addConsumerApiPlugin adds a plugin to the api the consumer name points at, scoped to the consumer.
func (e *Engine) addConsumerApiPlugin(ctx context.Context, consumer kong.ConsumerInfo, consumerID string, plugin kong.Plugin) error {
	apiName := common.ExtractApiName(consumer.Username())
	if apiName == "" {
		return fmt.Errorf("cannot derive the api of consumer %s", consumer.Username())
	}
	plugin.ID = ""
	plugin.ApiID = ""
	plugin.ConsumerID = consumerID
	if _, err := e.gateway.CreateApiPlugin(ctx, apiName, plugin); err != nil {
		return fmt.Errorf("add plugin %s for consumer %s: %w", plugin.Name, consumer.Username(), err)
	}
	return nil
}

func (e *Engine) deleteConsumerApiPlugin(ctx context.Context, plugin kong.Plugin) error {
	if err := e.gateway.DeleteApiPlugin(ctx, plugin.ApiID, plugin.ID); err != nil {
		return fmt.Errorf("delete plugin %s of consumer %s: %w", plugin.Name, plugin.ConsumerID, err)
	}
	return nil
}

// DeleteAppConsumers deletes the consumer of every subscription the deleted application had.
func (e *Engine) DeleteAppConsumers(ctx context.Context, appID string, subscriptions []SubscriptionRef) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(common.MaxParallelCalls)
	for _, sub := range subscriptions {
		sub := sub
		g.Go(func() error {
			return e.DeleteAppSubscriptionConsumer(gctx, sub)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	e.logger.WithField(common.AttrAppID, appID).Debug("deleted application consumers")
	return nil
}

func (e *Engine) DeleteAppSubscriptionConsumer(ctx context.Context, sub SubscriptionRef) error {
	username := common.MakeUserName(sub.Application, sub.Api)
	e.logger.WithField(common.AttrConsumerName, username).Info("deleting subscription consumer")
	return e.gateway.DeleteConsumersByUsername(ctx, username)
}

// DeleteUserConsumer deletes the consumer of a deleted portal user; its custom_id is the user id.
func (e *Engine) DeleteUserConsumer(ctx context.Context, userID string) error {
	e.logger.WithField("userID", userID).Info("deleting portal user consumer")
	return e.gateway.DeleteConsumersByCustomID(ctx, userID)
}

// WipeAllConsumers deletes every consumer on the gateway, a page at a time.
func (e *Engine) WipeAllConsumers(ctx context.Context) (err error) {
	defer func() { e.metrics.observe("wipe", err) }()
	deleted := 0
	for {
		page, err := e.gateway.GetConsumerPage(ctx, wipePage)
		if err != nil {
			return err
		}
		deletedNow := 0
		for _, consumer := range page.Data {
			if consumer.ID == nil {
				continue
			}
			if err := e.gateway.DeleteConsumer(ctx, *consumer.ID); err != nil {
				return fmt.Errorf("wipe consumer %s: %w", *consumer.ID, err)
			}
			deletedNow++
		}
		deleted += deletedNow
		// the next link is stale after deleting, start over from the first page; a page without
		// anything to delete would come back unchanged
		if page.Next == "" || deletedNow == 0 {
			break
		}
	}
	e.logger.WithField("count", deleted).Info("wiped all consumers")
	return nil
}
