package portal

import (
	"context"
	"encoding/json"

	klib "github.com/kong/go-kong/kong"
	"golang.org/x/sync/errgroup"

	"github.com/apim-haufe-io/wicked.kong-adapter/pkg/common"
	"github.com/apim-haufe-io/wicked.kong-adapter/pkg/kong"
	"github.com/apim-haufe-io/wicked.kong-adapter/pkg/wicked"
)

type applicationData struct {
	application   *wicked.Application
	subscriptions []wicked.Subscription
}

// GetAppConsumers returns one desired consumer per approved subscription of the application.
func (a *Assembler) GetAppConsumers(ctx context.Context, appID string) ([]kong.ConsumerInfo, error) {
	plans, err := a.getPlans(ctx)
	if err != nil {
		return nil, err
	}
	return a.enrichApplications(ctx, []string{appID}, plans)
}

// GetAllPortalConsumers returns the desired consumers of every application and, with the portal
// API enabled, of every portal user.
func (a *Assembler) GetAllPortalConsumers(ctx context.Context) ([]kong.ConsumerInfo, error) {
	var appConsumers, userConsumers []kong.ConsumerInfo
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		appConsumers, err = a.getAllAppConsumers(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		userConsumers, err = a.getAllUserConsumers(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return append(appConsumers, userConsumers...), nil
}

func (a *Assembler) getAllAppConsumers(ctx context.Context) ([]kong.ConsumerInfo, error) {
	var plans []wicked.Plan
	var apps []wicked.Application
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		plans, err = a.getPlans(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		apps, err = a.portal.GetApplications(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	appIDs := make([]string, len(apps))
	for i, app := range apps {
		appIDs[i] = app.ID
	}
	return a.enrichApplications(ctx, appIDs, plans)
}

// getApplicationData reads an application and its subscriptions. An application deleted in the
// meantime yields no application and no subscriptions.
func (a *Assembler) getApplicationData(ctx context.Context, appID string) (*applicationData, error) {
	data := &applicationData{}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		subscriptions, err := a.portal.GetSubscriptions(gctx, appID)
		if wicked.IsNotFound(err) {
			a.logger.WithField(common.AttrAppID, appID).Warn("get subscriptions: application not found")
			data.subscriptions = []wicked.Subscription{}
			return nil
		}
		data.subscriptions = subscriptions
		return err
	})
	g.Go(func() error {
		app, err := a.portal.GetApplication(gctx, appID)
		if wicked.IsNotFound(err) {
			a.logger.WithField(common.AttrAppID, appID).Warn("get application: application not found")
			return nil
		}
		data.application = app
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return data, nil
}

func (a *Assembler) enrichApplications(ctx context.Context, appIDs []string, plans []wicked.Plan) ([]kong.ConsumerInfo, error) {
	results := make([]*applicationData, len(appIDs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(common.MaxParallelCalls)
	for i := range appIDs {
		i := i
		g.Go(func() error {
			data, err := a.getApplicationData(gctx, appIDs[i])
			results[i] = data
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	consumers := []kong.ConsumerInfo{}
	for _, data := range results {
		for _, sub := range data.subscriptions {
			if !sub.Approved {
				continue
			}
			consumer, err := subscriptionConsumer(data.application, sub, plans)
			if err != nil {
				return nil, err
			}
			consumers = append(consumers, consumer)
		}
	}
	a.logger.WithField("count", len(consumers)).Debug("assembled application consumers")
	return consumers, nil
}

func subscriptionConsumer(app *wicked.Application, sub wicked.Subscription, plans []wicked.Plan) (kong.ConsumerInfo, error) {
	consumer := kong.ConsumerInfo{
		Consumer: klib.Consumer{
			Username: klib.String(common.MakeUserName(sub.Application, sub.Api)),
			CustomID: klib.String(sub.ID),
		},
		Plugins: map[kong.PluginKind][]kong.PluginData{
			kong.ACLs: {{"group": sub.Api}},
		},
	}
	switch sub.Auth {
	case common.AuthOAuth2:
		redirectURI := common.DummyRedirectURI
		if app != nil && app.RedirectURI != "" {
			redirectURI = app.RedirectURI
		}
		consumer.Plugins[kong.OAuth2] = []kong.PluginData{{
			"name":          sub.Application,
			"client_id":     sub.ClientID,
			"client_secret": sub.ClientSecret,
			"redirect_uri":  []interface{}{redirectURI},
		}}
	case "", common.AuthKeyAuth:
		consumer.Plugins[kong.KeyAuth] = []kong.PluginData{{"key": sub.ApiKey}}
	default:
		return consumer, configErrorf("unknown auth strategy: %s, for application %q, API %q", sub.Auth, sub.Application, sub.Api)
	}

	plan := findPlan(plans, sub.Plan)
	if plan == nil {
		return consumer, configErrorf("unknown API plan: %s, for application %q, API %q", sub.Plan, sub.Application, sub.Api)
	}
	apiPlugins, err := clonePlugins(plan.Config.Plugins)
	if err != nil {
		return consumer, err
	}
	consumer.ApiPlugins = apiPlugins
	return consumer, nil
}

// clonePlugins deep copies plan plugins, they are shared through the plan cache.
func clonePlugins(plugins []kong.Plugin) ([]kong.Plugin, error) {
	cloned := []kong.Plugin{}
	if len(plugins) == 0 {
		return cloned, nil
	}
	data, err := json.Marshal(plugins)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &cloned); err != nil {
		return nil, err
	}
	return cloned, nil
}

func (a *Assembler) getAllUserConsumers(ctx context.Context) ([]kong.ConsumerInfo, error) {
	if !a.globals.InternalApiEnabled() {
		return []kong.ConsumerInfo{}, nil
	}
	users, err := a.portal.GetUsers(ctx)
	if err != nil {
		return nil, err
	}

	// client credentials are only visible to the user itself
	details := make([]*wicked.User, len(users))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(common.MaxParallelCalls)
	for i := range users {
		i := i
		g.Go(func() error {
			user, err := a.portal.GetUserAsSelf(gctx, users[i].ID)
			if wicked.IsNotFound(err) {
				a.logger.WithField("userID", users[i].ID).Warn("could not find user, skipping")
				return nil
			}
			details[i] = user
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	requiredGroup := a.globals.Api.Portal.RequiredGroup
	consumers := []kong.ConsumerInfo{}
	for _, user := range details {
		if user == nil {
			continue
		}
		logger := a.logger.WithField("email", user.Email)
		if user.ClientID == "" || user.ClientSecret == "" {
			logger.Debug("user does not have client credentials")
			continue
		}
		if requiredGroup != "" && !user.HasGroup(requiredGroup) {
			logger.Debug("user does not have the required group")
			continue
		}
		consumers = append(consumers, kong.ConsumerInfo{
			Consumer: klib.Consumer{
				Username: klib.String(user.Email),
				CustomID: klib.String(user.ID),
			},
			Plugins: map[kong.PluginKind][]kong.PluginData{
				kong.ACLs: {{"group": common.InternalApiName}},
				kong.OAuth2: {{
					"name":          user.Email,
					"client_id":     user.ClientID,
					"client_secret": user.ClientSecret,
					"redirect_uri":  []interface{}{common.UserRedirectURI},
				}},
			},
			ApiPlugins: []kong.Plugin{},
		})
	}
	return consumers, nil
}
