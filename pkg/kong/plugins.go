package kong

import (
	"context"
	"fmt"
	"net/url"
)

func apiPluginsEndpoint(apiID string) string {
	return fmt.Sprintf("apis/%s/plugins", url.PathEscape(apiID))
}

func apiPluginEndpoint(apiID, pluginID string) string {
	return fmt.Sprintf("apis/%s/plugins/%s", url.PathEscape(apiID), url.PathEscape(pluginID))
}

// GetApiPlugins lists every plugin of an api, consumer scoped ones included.
func (k *KongClient) GetApiPlugins(ctx context.Context, apiID string) ([]Plugin, error) {
	var plugins PluginCollection
	if err := k.get(ctx, apiPluginsEndpoint(apiID)+"?"+allItems, &plugins); err != nil {
		return nil, err
	}
	return plugins.Data, nil
}

// CreateApiPlugin adds a plugin to an api, addressed by id or name.
func (k *KongClient) CreateApiPlugin(ctx context.Context, apiID string, plugin Plugin) (*Plugin, error) {
	created := &Plugin{}
	if err := k.post(ctx, apiPluginsEndpoint(apiID), plugin, created); err != nil {
		k.logger.WithError(err).WithField("apiID", apiID).WithField("pluginName", plugin.Name).Error("adding api plugin")
		return nil, err
	}
	return created, nil
}

func (k *KongClient) PatchApiPlugin(ctx context.Context, apiID, pluginID string, plugin Plugin) (*Plugin, error) {
	patched := &Plugin{}
	if err := k.patch(ctx, apiPluginEndpoint(apiID, pluginID), plugin, patched); err != nil {
		k.logger.WithError(err).WithField("apiID", apiID).WithField("pluginName", plugin.Name).Error("patching api plugin")
		return nil, err
	}
	return patched, nil
}

func (k *KongClient) DeleteApiPlugin(ctx context.Context, apiID, pluginID string) error {
	return k.delete(ctx, apiPluginEndpoint(apiID, pluginID))
}

// GetApiPluginsByConsumer lists the plugins of an api scoped to one consumer. An unknown api
// yields no plugins: consumers may outlive the api they were created for.
func (k *KongClient) GetApiPluginsByConsumer(ctx context.Context, apiName, consumerID string) ([]Plugin, error) {
	var plugins PluginCollection
	err := k.get(ctx, apiPluginsEndpoint(apiName)+"?consumer_id="+url.QueryEscape(consumerID), &plugins)
	if IsNotFound(err) {
		return []Plugin{}, nil
	}
	if err != nil {
		return nil, err
	}
	return plugins.Data, nil
}
