package kong

import (
	"context"
	"fmt"
	"net/url"

	klib "github.com/kong/go-kong/kong"
)

func consumerEndpoint(consumerID string) string {
	return "consumers/" + url.PathEscape(consumerID)
}

func consumerPluginsEndpoint(consumerID string, kind PluginKind) string {
	return fmt.Sprintf("consumers/%s/%s", url.PathEscape(consumerID), kind)
}

// GetConsumer looks a consumer up by username or id; nil when it does not exist.
func (k *KongClient) GetConsumer(ctx context.Context, usernameOrID string) (*klib.Consumer, error) {
	consumer := &klib.Consumer{}
	err := k.get(ctx, consumerEndpoint(usernameOrID), consumer)
	if IsNotFound(err) {
		k.logger.WithField("consumerName", usernameOrID).Debug("consumer not found")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return consumer, nil
}

func (k *KongClient) GetConsumersByUsername(ctx context.Context, username string) ([]klib.Consumer, error) {
	return k.GetConsumers(ctx, "consumers?username="+url.QueryEscape(username))
}

func (k *KongClient) GetConsumersByCustomID(ctx context.Context, customID string) ([]klib.Consumer, error) {
	return k.GetConsumers(ctx, "consumers?custom_id="+url.QueryEscape(customID))
}

// GetConsumerPage reads one page of consumers, including the link to the next page.
func (k *KongClient) GetConsumerPage(ctx context.Context, endpoint string) (*ConsumerCollection, error) {
	page := &ConsumerCollection{}
	if err := k.GetRaw(ctx, endpoint, page); err != nil {
		return nil, err
	}
	return page, nil
}

func (k *KongClient) GetConsumers(ctx context.Context, endpoint string) ([]klib.Consumer, error) {
	page, err := k.GetConsumerPage(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	return page.Data, nil
}

func (k *KongClient) CreateConsumer(ctx context.Context, consumer klib.Consumer) (*klib.Consumer, error) {
	created := &klib.Consumer{}
	if err := k.post(ctx, "consumers", consumer, created); err != nil {
		k.logger.WithError(err).Error("creating consumer")
		return nil, err
	}
	return created, nil
}

func (k *KongClient) PatchConsumer(ctx context.Context, consumerID string, consumer klib.Consumer) (*klib.Consumer, error) {
	patched := &klib.Consumer{}
	if err := k.patch(ctx, consumerEndpoint(consumerID), consumer, patched); err != nil {
		k.logger.WithError(err).WithField("consumerID", consumerID).Error("patching consumer")
		return nil, err
	}
	return patched, nil
}

func (k *KongClient) DeleteConsumer(ctx context.Context, consumerID string) error {
	return k.delete(ctx, consumerEndpoint(consumerID))
}

// GetConsumerPlugins lists the instances of one auth plugin kind of a consumer.
func (k *KongClient) GetConsumerPlugins(ctx context.Context, consumerID string, kind PluginKind) ([]PluginData, error) {
	var data PluginDataCollection
	if err := k.get(ctx, consumerPluginsEndpoint(consumerID, kind), &data); err != nil {
		return nil, err
	}
	return data.Data, nil
}

func (k *KongClient) CreateConsumerPlugin(ctx context.Context, consumerID string, kind PluginKind, data PluginData) (PluginData, error) {
	created := PluginData{}
	if err := k.post(ctx, consumerPluginsEndpoint(consumerID, kind), data, &created); err != nil {
		k.logger.WithError(err).WithField("consumerID", consumerID).WithField("pluginName", kind.String()).Error("adding consumer plugin")
		return nil, err
	}
	return created, nil
}

func (k *KongClient) DeleteConsumerPlugin(ctx context.Context, consumerID string, kind PluginKind, instanceID string) error {
	return k.delete(ctx, consumerPluginsEndpoint(consumerID, kind)+"/"+url.PathEscape(instanceID))
}

// DeleteConsumersByUsername removes the consumer with the given username. A consumer which is
// already gone is accepted.
func (k *KongClient) DeleteConsumersByUsername(ctx context.Context, username string) error {
	consumers, err := k.GetConsumersByUsername(ctx, username)
	if err != nil {
		return err
	}
	if len(consumers) == 0 {
		k.logger.WithField("consumerName", username).Warn("could not find consumer, cannot delete")
		return nil
	}
	return k.deleteConsumers(ctx, consumers)
}

// DeleteConsumersByCustomID removes every consumer carrying the custom id.
func (k *KongClient) DeleteConsumersByCustomID(ctx context.Context, customID string) error {
	consumers, err := k.GetConsumersByCustomID(ctx, customID)
	if err != nil {
		return err
	}
	if len(consumers) == 0 {
		k.logger.WithField("customID", customID).Warn("could not find consumer, cannot delete")
		return nil
	}
	if len(consumers) > 1 {
		k.logger.WithField("customID", customID).Warnf("found %d consumers, deleting all of them", len(consumers))
	}
	return k.deleteConsumers(ctx, consumers)
}

func (k *KongClient) deleteConsumers(ctx context.Context, consumers []klib.Consumer) error {
	for _, consumer := range consumers {
		if consumer.ID == nil {
			continue
		}
		if err := k.DeleteConsumer(ctx, *consumer.ID); err != nil {
			return err
		}
	}
	return nil
}
