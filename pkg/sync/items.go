package sync

import (
	"github.com/apim-haufe-io/wicked.kong-adapter/pkg/kong"
	"github.com/apim-haufe-io/wicked.kong-adapter/pkg/portal"
)

type ApiAddItem struct {
	Desired portal.ApiDescription
}

type ApiUpdateItem struct {
	Desired  portal.ApiDescription
	Observed kong.ApiEntry
}

type ApiDeleteItem struct {
	Observed kong.ApiEntry
}

type apiTodo struct {
	add    []ApiAddItem
	update []ApiUpdateItem
	delete []ApiDeleteItem
}

// PluginAddItem adds a plugin to the gateway api with id ApiID.
type PluginAddItem struct {
	ApiID   string
	Desired kong.Plugin
}

type PluginPatchItem struct {
	ApiID    string
	Desired  kong.Plugin
	Observed kong.Plugin
}

type PluginDeleteItem struct {
	ApiID    string
	Observed kong.Plugin
}

type pluginTodo struct {
	add    []PluginAddItem
	update []PluginPatchItem
	delete []PluginDeleteItem
}

type ConsumerAddItem struct {
	Desired kong.ConsumerInfo
}

type ConsumerUpdateItem struct {
	Desired  kong.ConsumerInfo
	Observed kong.ConsumerInfo
}

type ConsumerDeleteItem struct {
	Observed kong.ConsumerInfo
}

type consumerTodo struct {
	add    []ConsumerAddItem
	update []ConsumerUpdateItem
	delete []ConsumerDeleteItem
}

type ConsumerApiPluginAddItem struct {
	Desired kong.Plugin
}

// ConsumerApiPluginPatchItem is carried out as a delete followed by an add.
type ConsumerApiPluginPatchItem struct {
	Desired  kong.Plugin
	Observed kong.Plugin
}

type ConsumerApiPluginDeleteItem struct {
	Observed kong.Plugin
}

type consumerApiPluginTodo struct {
	add    []ConsumerApiPluginAddItem
	patch  []ConsumerApiPluginPatchItem
	delete []ConsumerApiPluginDeleteItem
}

// assembleApiTodo matches desired apis to gateway apis by desired id and gateway name.
func assembleApiTodo(desired []portal.ApiDescription, observed []kong.ApiEntry) apiTodo {
	todo := apiTodo{}
	handled := map[string]bool{}
	for _, desiredApi := range desired {
		observedApi, found := findApiEntry(observed, desiredApi.ID)
		if !found {
			todo.add = append(todo.add, ApiAddItem{Desired: desiredApi})
			continue
		}
		todo.update = append(todo.update, ApiUpdateItem{Desired: desiredApi, Observed: observedApi})
		handled[observedApi.Api.Name] = true
	}
	for _, observedApi := range observed {
		if !handled[observedApi.Api.Name] {
			todo.delete = append(todo.delete, ApiDeleteItem{Observed: observedApi})
		}
	}
	return todo
}

func findApiEntry(entries []kong.ApiEntry, name string) (kong.ApiEntry, bool) {
	for _, entry := range entries {
		if entry.Api.Name == name {
			return entry, true
		}
	}
	return kong.ApiEntry{}, false
}

// assemblePluginTodo matches the plugins of one api by name.
func (e *Engine) assemblePluginTodo(desired portal.ApiDescription, observed kong.ApiEntry) pluginTodo {
	todo := pluginTodo{}
	apiID := observed.Api.ID
	handled := map[string]bool{}
	for _, desiredPlugin := range desired.Config.Plugins {
		observedPlugin, found := findPlugin(observed.Plugins, desiredPlugin.Name)
		switch {
		case !found:
			if !e.ignored(desiredPlugin.Name) {
				todo.add = append(todo.add, PluginAddItem{ApiID: apiID, Desired: desiredPlugin})
			}
		case !e.ignored(observedPlugin.Name) && !e.matches(desiredPlugin, observedPlugin):
			todo.update = append(todo.update, PluginPatchItem{ApiID: apiID, Desired: desiredPlugin, Observed: observedPlugin})
		}
		handled[desiredPlugin.Name] = true
	}
	for _, observedPlugin := range observed.Plugins {
		if !handled[observedPlugin.Name] && !e.ignored(observedPlugin.Name) {
			todo.delete = append(todo.delete, PluginDeleteItem{ApiID: apiID, Observed: observedPlugin})
		}
	}
	return todo
}

func findPlugin(plugins []kong.Plugin, name string) (kong.Plugin, bool) {
	for _, plugin := range plugins {
		if plugin.Name == name {
			return plugin, true
		}
	}
	return kong.Plugin{}, false
}

// assembleConsumerTodo matches consumers by username. Every consumer found on both sides is an
// update candidate; whether anything changed is decided while updating.
func assembleConsumerTodo(desired []kong.ConsumerInfo, observed []kong.ConsumerInfo) consumerTodo {
	todo := consumerTodo{}
	handled := map[string]bool{}
	for _, desiredConsumer := range desired {
		observedConsumer, found := findConsumer(observed, desiredConsumer.Username())
		if !found {
			todo.add = append(todo.add, ConsumerAddItem{Desired: desiredConsumer})
			continue
		}
		todo.update = append(todo.update, ConsumerUpdateItem{Desired: desiredConsumer, Observed: observedConsumer})
		handled[observedConsumer.Username()] = true
	}
	for _, observedConsumer := range observed {
		if !handled[observedConsumer.Username()] {
			todo.delete = append(todo.delete, ConsumerDeleteItem{Observed: observedConsumer})
		}
	}
	return todo
}

func findConsumer(consumers []kong.ConsumerInfo, username string) (kong.ConsumerInfo, bool) {
	for _, consumer := range consumers {
		if consumer.Username() == username {
			return consumer, true
		}
	}
	return kong.ConsumerInfo{}, false
}

func (e *Engine) assembleConsumerApiPluginTodo(desired, observed kong.ConsumerInfo) consumerApiPluginTodo {
	todo := consumerApiPluginTodo{}
	handled := map[string]bool{}
	for _, desiredPlugin := range desired.ApiPlugins {
		observedPlugin, found := findPlugin(observed.ApiPlugins, desiredPlugin.Name)
		switch {
		case !found:
			if !e.ignored(desiredPlugin.Name) {
				todo.add = append(todo.add, ConsumerApiPluginAddItem{Desired: desiredPlugin})
			}
		case !e.ignored(observedPlugin.Name) && !e.matches(desiredPlugin, observedPlugin):
			todo.patch = append(todo.patch, ConsumerApiPluginPatchItem{Desired: desiredPlugin, Observed: observedPlugin})
		}
		handled[desiredPlugin.Name] = true
	}
	for _, observedPlugin := range observed.ApiPlugins {
		if !handled[observedPlugin.Name] && !e.ignored(observedPlugin.Name) {
			todo.delete = append(todo.delete, ConsumerApiPluginDeleteItem{Observed: observedPlugin})
		}
	}
	return todo
}
