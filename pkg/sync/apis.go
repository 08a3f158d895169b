package sync

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/apim-haufe-io/wicked.kong-adapter/pkg/common"
	"github.com/apim-haufe-io/wicked.kong-adapter/pkg/kong"
	"github.com/apim-haufe-io/wicked.kong-adapter/pkg/portal"
)

// SyncApis makes the gateway apis and their plugins match the portal. Updates run first, then
// deletes, then adds.
func (e *Engine) SyncApis(ctx context.Context) (err error) {
	defer func() { e.metrics.observe("apis", err) }()

	var desired []portal.ApiDescription
	var observed []kong.ApiEntry
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		desired, err = e.desired.GetPortalApis(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		observed, err = e.observed.GetKongApis(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	todo := assembleApiTodo(desired, observed)
	e.logger.
		WithField("add", len(todo.add)).
		WithField("update", len(todo.update)).
		WithField("delete", len(todo.delete)).
		Debug("api todo list")

	if err := e.updateApis(ctx, todo.update); err != nil {
		return err
	}
	if err := e.deleteApis(ctx, todo.delete); err != nil {
		return err
	}
	if err := e.addApis(ctx, todo.add); err != nil {
		return err
	}
	e.logger.Debug("finished api sync")
	return nil
}

func (e *Engine) updateApis(ctx context.Context, items []ApiUpdateItem) error {
	for _, item := range items {
		logger := e.logger.WithField(common.AttrApiName, item.Desired.ID)
		if !e.matches(item.Desired.Config.Api, item.Observed.Api) {
			logger.Debug("api does not match, patching")
			if _, err := e.gateway.PatchApi(ctx, item.Observed.Api.ID, item.Desired.Config.Api); err != nil {
				return fmt.Errorf("patch api %s: %w", item.Desired.ID, err)
			}
		}
		if err := e.SyncPlugins(ctx, item.Desired, item.Observed); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) deleteApis(ctx context.Context, items []ApiDeleteItem) error {
	for _, item := range items {
		e.logger.WithField(common.AttrApiName, item.Observed.Api.Name).Info("deleting api")
		if err := e.gateway.DeleteApi(ctx, item.Observed.Api.ID); err != nil {
			return fmt.Errorf("delete api %s: %w", item.Observed.Api.Name, err)
		}
	}
	return nil
}

// addApis creates each api and then its plugins. A new api has nothing to update or delete.
func (e *Engine) addApis(ctx context.Context, items []ApiAddItem) error {
	for _, item := range items {
		e.logger.WithField(common.AttrApiName, item.Desired.ID).Info("adding api")
		created, err := e.gateway.CreateApi(ctx, item.Desired.Config.Api)
		if err != nil {
			return fmt.Errorf("create api %s: %w", item.Desired.ID, err)
		}
		plugins := []PluginAddItem{}
		for _, plugin := range item.Desired.Config.Plugins {
			if e.ignored(plugin.Name) {
				continue
			}
			plugins = append(plugins, PluginAddItem{ApiID: created.ID, Desired: plugin})
		}
		if err := e.addPlugins(ctx, plugins); err != nil {
			return err
		}
	}
	return nil
}

// SyncPlugins makes the plugins of one gateway api match the desired api. Adds run first, then
// updates, then deletes. Plugins on the ignore list are left alone.
func (e *Engine) SyncPlugins(ctx context.Context, desired portal.ApiDescription, observed kong.ApiEntry) error {
	todo := e.assemblePluginTodo(desired, observed)
	e.logger.
		WithField(common.AttrApiName, desired.ID).
		WithField("add", len(todo.add)).
		WithField("update", len(todo.update)).
		WithField("delete", len(todo.delete)).
		Debug("plugin todo list")

	if err := e.addPlugins(ctx, todo.add); err != nil {
		return err
	}
	if err := e.updatePlugins(ctx, todo.update); err != nil {
		return err
	}
	return e.deletePlugins(ctx, todo.delete)
}

func (e *Engine) addPlugins(ctx context.Context, items []PluginAddItem) error {
	for _, item := range items {
		if _, err := e.gateway.CreateApiPlugin(ctx, item.ApiID, item.Desired); err != nil {
			return fmt.Errorf("add plugin %s to api %s: %w", item.Desired.Name, item.ApiID, err)
		}
	}
	return nil
}

func (e *Engine) updatePlugins(ctx context.Context, items []PluginPatchItem) error {
	for _, item := range items {
		e.logger.
			WithField(common.AttrApiID, item.ApiID).
			WithField(common.AttrPluginName, item.Desired.Name).
			Debug("plugin does not match, patching")
		if _, err := e.gateway.PatchApiPlugin(ctx, item.ApiID, item.Observed.ID, item.Desired); err != nil {
			return fmt.Errorf("patch plugin %s of api %s: %w", item.Desired.Name, item.ApiID, err)
		}
	}
	return nil
}

func (e *Engine) deletePlugins(ctx context.Context, items []PluginDeleteItem) error {
	for _, item := range items {
		if err := e.gateway.DeleteApiPlugin(ctx, item.ApiID, item.Observed.ID); err != nil {
			return fmt.Errorf("delete plugin %s of api %s: %w", item.Observed.Name, item.ApiID, err)
		}
	}
	return nil
}
