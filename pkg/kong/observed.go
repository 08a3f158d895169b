package kong

import (
	"context"
	"sync"

	"github.com/Axway/agent-sdk/pkg/util/log"
	"golang.org/x/sync/errgroup"

	"github.com/apim-haufe-io/wicked.kong-adapter/pkg/common"
)

// Reader builds the observed state from the gateway.
type Reader struct {
	client *KongClient
	logger log.FieldLogger
}

func NewReader(client *KongClient) *Reader {
	return &Reader{
		client: client,
		logger: log.NewFieldLogger().WithComponent("observedReader").WithPackage("kong"),
	}
}

// GetKongApis lists every api with its global plugins. Plugin lists are read one api at a time,
// the gateway answers with 5xx under parallel load. Consumer scoped plugins are dropped.
func (r *Reader) GetKongApis(ctx context.Context) ([]ApiEntry, error) {
	apis, err := r.client.GetApis(ctx)
	if err != nil {
		return nil, err
	}
	entries := make([]ApiEntry, 0, len(apis))
	for _, api := range apis {
		plugins, err := r.client.GetApiPlugins(ctx, api.ID)
		if err != nil {
			return nil, err
		}
		entries = append(entries, ApiEntry{Api: api, Plugins: withoutConsumerPlugins(plugins)})
	}
	r.logger.WithField("count", len(entries)).Debug("read kong apis")
	return entries, nil
}

func withoutConsumerPlugins(plugins []Plugin) []Plugin {
	global := make([]Plugin, 0, len(plugins))
	for _, plugin := range plugins {
		if plugin.ConsumerID != "" {
			continue
		}
		global = append(global, plugin)
	}
	return global
}

// GetKongConsumers resolves each desired consumer to its gateway counterpart by username. The
// result is index aligned with desired, nil where the gateway has no such consumer.
func (r *Reader) GetKongConsumers(ctx context.Context, desired []ConsumerInfo) ([]*ConsumerInfo, error) {
	observed := make([]*ConsumerInfo, len(desired))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(common.MaxParallelCalls)
	for i := range desired {
		i := i
		g.Go(func() error {
			info, err := r.GetKongConsumerInfo(gctx, desired[i].Username())
			if err != nil {
				return err
			}
			observed[i] = info
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return observed, nil
}

// GetKongConsumerInfo reads one consumer with its auth plugins and its api plugins; nil when the
// consumer does not exist.
func (r *Reader) GetKongConsumerInfo(ctx context.Context, username string) (*ConsumerInfo, error) {
	consumer, err := r.client.GetConsumer(ctx, username)
	if err != nil || consumer == nil {
		return nil, err
	}
	info := &ConsumerInfo{
		Consumer:   *consumer,
		Plugins:    map[PluginKind][]PluginData{},
		ApiPlugins: []Plugin{},
	}
	consumerID := info.ID()

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, kind := range ConsumerPluginKinds {
		kind := kind
		g.Go(func() error {
			data, err := r.client.GetConsumerPlugins(gctx, consumerID, kind)
			if err != nil {
				return err
			}
			if len(data) > 0 {
				mu.Lock()
				info.Plugins[kind] = data
				mu.Unlock()
			}
			return nil
		})
	}
	g.Go(func() error {
		apiName := common.ExtractApiName(username)
		if apiName == "" {
			r.logger.WithField(common.AttrConsumerName, username).Debug("no api name in consumer name, skipping api plugins")
			return nil
		}
		plugins, err := r.client.GetApiPluginsByConsumer(gctx, apiName, consumerID)
		if err != nil {
			return err
		}
		mu.Lock()
		info.ApiPlugins = plugins
		mu.Unlock()
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return info, nil
}
