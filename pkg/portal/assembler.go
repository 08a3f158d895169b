package portal

import (
	"context"
	"fmt"

	"github.com/Axway/agent-sdk/pkg/cache"
	"github.com/Axway/agent-sdk/pkg/util/log"

	"github.com/apim-haufe-io/wicked.kong-adapter/pkg/wicked"
)

const (
	plansKey  = "plans"
	groupsKey = "groups"
)

// ConfigError is a desired state authoring mistake. It is never retried.
type ConfigError struct {
	msg string
}

func (e *ConfigError) Error() string {
	return e.msg
}

func configErrorf(format string, args ...interface{}) error {
	return &ConfigError{msg: fmt.Sprintf(format, args...)}
}

// PortalAPI is what the assembler reads from the portal.
type PortalAPI interface {
	GetApis(ctx context.Context) ([]wicked.Api, error)
	GetApiConfig(ctx context.Context, apiID string) (*wicked.ApiConfig, error)
	GetAuthServerNames(ctx context.Context) ([]string, error)
	GetAuthServer(ctx context.Context, name string) (*wicked.AuthServer, error)
	GetPlans(ctx context.Context) ([]wicked.Plan, error)
	GetGroups(ctx context.Context) ([]wicked.Group, error)
	GetApplications(ctx context.Context) ([]wicked.Application, error)
	GetApplication(ctx context.Context, appID string) (*wicked.Application, error)
	GetSubscriptions(ctx context.Context, appID string) ([]wicked.Subscription, error)
	GetUsers(ctx context.Context) ([]wicked.User, error)
	GetUserAsSelf(ctx context.Context, userID string) (*wicked.User, error)
}

// Assembler builds the desired gateway state from the portal. Plans and groups are read once and
// kept for the life of the process.
type Assembler struct {
	portal  PortalAPI
	globals *wicked.Globals
	cache   cache.Cache
	logger  log.FieldLogger
}

func NewAssembler(portal PortalAPI, globals *wicked.Globals) *Assembler {
	return &Assembler{
		portal:  portal,
		globals: globals,
		cache:   cache.New(),
		logger:  log.NewFieldLogger().WithComponent("assembler").WithPackage("portal"),
	}
}

func (a *Assembler) getPlans(ctx context.Context) ([]wicked.Plan, error) {
	if item, err := a.cache.Get(plansKey); err == nil {
		if plans, ok := item.([]wicked.Plan); ok {
			return plans, nil
		}
	}
	plans, err := a.portal.GetPlans(ctx)
	if err != nil {
		return nil, err
	}
	a.cache.Set(plansKey, plans)
	return plans, nil
}

func (a *Assembler) getGroups(ctx context.Context) ([]wicked.Group, error) {
	if item, err := a.cache.Get(groupsKey); err == nil {
		if groups, ok := item.([]wicked.Group); ok {
			return groups, nil
		}
	}
	groups, err := a.portal.GetGroups(ctx)
	if err != nil {
		return nil, err
	}
	a.cache.Set(groupsKey, groups)
	return groups, nil
}

func findPlan(plans []wicked.Plan, planID string) *wicked.Plan {
	for i := range plans {
		if plans[i].ID == planID {
			return &plans[i]
		}
	}
	return nil
}
