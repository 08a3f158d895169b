package sync

import (
	"context"
	"errors"

	"github.com/Axway/agent-sdk/pkg/util/log"
	klib "github.com/kong/go-kong/kong"

	"github.com/apim-haufe-io/wicked.kong-adapter/pkg/kong"
	"github.com/apim-haufe-io/wicked.kong-adapter/pkg/portal"
)

// ErrInvariantViolation means a general consumer sync wanted to delete consumers. Consumers are
// only ever deleted through application and subscription deletion events.
var ErrInvariantViolation = errors.New("consumer deletion requested outside of an explicit deletion event")

// Gateway is the set of mutating Kong Admin API calls the engine issues.
type Gateway interface {
	CreateApi(ctx context.Context, api kong.Api) (*kong.Api, error)
	PatchApi(ctx context.Context, apiID string, api kong.Api) (*kong.Api, error)
	DeleteApi(ctx context.Context, apiID string) error
	CreateApiPlugin(ctx context.Context, apiID string, plugin kong.Plugin) (*kong.Plugin, error)
	PatchApiPlugin(ctx context.Context, apiID, pluginID string, plugin kong.Plugin) (*kong.Plugin, error)
	DeleteApiPlugin(ctx context.Context, apiID, pluginID string) error
	CreateConsumer(ctx context.Context, consumer klib.Consumer) (*klib.Consumer, error)
	PatchConsumer(ctx context.Context, consumerID string, consumer klib.Consumer) (*klib.Consumer, error)
	DeleteConsumer(ctx context.Context, consumerID string) error
	CreateConsumerPlugin(ctx context.Context, consumerID string, kind kong.PluginKind, data kong.PluginData) (kong.PluginData, error)
	DeleteConsumerPlugin(ctx context.Context, consumerID string, kind kong.PluginKind, instanceID string) error
	DeleteConsumersByUsername(ctx context.Context, username string) error
	DeleteConsumersByCustomID(ctx context.Context, customID string) error
	GetConsumerPage(ctx context.Context, endpoint string) (*kong.ConsumerCollection, error)
}

// ObservedState reads what is configured on the gateway.
type ObservedState interface {
	GetKongApis(ctx context.Context) ([]kong.ApiEntry, error)
	GetKongConsumers(ctx context.Context, desired []kong.ConsumerInfo) ([]*kong.ConsumerInfo, error)
}

// DesiredState derives what should be configured from the portal.
type DesiredState interface {
	GetPortalApis(ctx context.Context) ([]portal.ApiDescription, error)
	GetAppConsumers(ctx context.Context, appID string) ([]kong.ConsumerInfo, error)
	GetAllPortalConsumers(ctx context.Context) ([]kong.ConsumerInfo, error)
}

// SubscriptionRef identifies the consumer of one subscription, it is all that is left of a
// subscription once the portal deleted it.
type SubscriptionRef struct {
	Application string `json:"application" mapstructure:"application"`
	Api         string `json:"api" mapstructure:"api"`
	Auth        string `json:"auth,omitempty" mapstructure:"auth"`
	Plan        string `json:"plan,omitempty" mapstructure:"plan"`
	UserID      string `json:"userId,omitempty" mapstructure:"userId"`
}

// Engine diffs the desired state against the gateway and applies the difference. Mutations run
// one at a time in the order the todo lists were assembled.
type Engine struct {
	gateway    Gateway
	observed   ObservedState
	desired    DesiredState
	ignoreList map[string]bool
	stats      *kong.Statistics
	metrics    *Metrics
	logger     log.FieldLogger
}

type Option func(*Engine)

// WithIgnoreList names plugins the engine never adds, updates or deletes.
func WithIgnoreList(names []string) Option {
	return func(e *Engine) {
		for _, name := range names {
			if name != "" {
				e.ignoreList[name] = true
			}
		}
	}
}

// WithStatistics records failed comparisons while the statistics are capturing.
func WithStatistics(stats *kong.Statistics) Option {
	return func(e *Engine) {
		e.stats = stats
	}
}

func WithMetrics(metrics *Metrics) Option {
	return func(e *Engine) {
		e.metrics = metrics
	}
}

func NewEngine(gateway Gateway, observed ObservedState, desired DesiredState, opts ...Option) *Engine {
	e := &Engine{
		gateway:    gateway,
		observed:   observed,
		desired:    desired,
		ignoreList: map[string]bool{},
		logger:     log.NewFieldLogger().WithComponent("engine").WithPackage("sync"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) ignored(pluginName string) bool {
	return pluginName != "" && e.ignoreList[pluginName]
}

func (e *Engine) matches(desired, observed interface{}) bool {
	if MatchObjects(desired, observed) {
		return true
	}
	e.logger.Trace("objects do not match")
	if e.stats != nil {
		e.stats.RecordFailedComparison(desired, observed)
	}
	return false
}
