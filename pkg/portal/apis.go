package portal

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/mitchellh/mapstructure"
	"golang.org/x/sync/errgroup"

	"github.com/apim-haufe-io/wicked.kong-adapter/pkg/common"
	"github.com/apim-haufe-io/wicked.kong-adapter/pkg/kong"
	"github.com/apim-haufe-io/wicked.kong-adapter/pkg/wicked"
)

// ApiDescription is one desired api: the gateway api object, its global plugins and the auth
// strategy which decides the injected plugins.
type ApiDescription struct {
	ID       string                 `json:"id"`
	Auth     string                 `json:"auth,omitempty"`
	Settings map[string]interface{} `json:"settings,omitempty"`
	Config   wicked.ApiConfig       `json:"config"`
}

// AuthSettings are the per api auth settings; values may come as strings.
type AuthSettings struct {
	Scopes                  []string `json:"scopes"`
	MandatoryScope          bool     `json:"mandatory_scope"`
	TokenExpiration         int      `json:"token_expiration"`
	EnableClientCredentials bool     `json:"enable_client_credentials"`
	EnableImplicitGrant     bool     `json:"enable_implicit_grant"`
	EnableAuthorizationCode bool     `json:"enable_authorization_code"`
	EnablePasswordGrant     bool     `json:"enable_password_grant"`
	HideCredentials         bool     `json:"hide_credentials"`
}

const defaultTokenExpiration = 3600

func decodeAuthSettings(settings map[string]interface{}) (AuthSettings, error) {
	decoded := AuthSettings{TokenExpiration: defaultTokenExpiration}
	if settings == nil {
		return decoded, nil
	}
	if _, isList := settings["scopes"].([]string); !isList {
		if _, isList = settings["scopes"].([]interface{}); !isList {
			// the portal's scope map only turns into a list for oauth2 apis
			trimmed := make(map[string]interface{}, len(settings))
			for k, v := range settings {
				if k != "scopes" {
					trimmed[k] = v
				}
			}
			settings = trimmed
		}
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           &decoded,
	})
	if err != nil {
		return decoded, err
	}
	if err := decoder.Decode(settings); err != nil {
		return decoded, configErrorf("invalid auth settings: %s", err)
	}
	if decoded.TokenExpiration == 0 {
		decoded.TokenExpiration = defaultTokenExpiration
	}
	return decoded, nil
}

// GetPortalApis builds the desired api list: portal apis, the swagger-ui tunnel, the portal ping
// api and the auth servers, with auth plugins injected.
func (a *Assembler) GetPortalApis(ctx context.Context) ([]ApiDescription, error) {
	var apis, authServers []ApiDescription
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		apis, err = a.getActualApis(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		authServers, err = a.getAuthServerApis(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	portalURL := a.globals.ExternalPortalURL()
	apis = append(apis, swaggerUIApi(portalURL), pingApi(portalURL))
	apis = append(apis, authServers...)

	if err := a.injectAuthPlugins(apis); err != nil {
		return nil, err
	}
	a.logger.WithField("count", len(apis)).Debug("assembled portal apis")
	return apis, nil
}

func swaggerUIApi(portalURL string) ApiDescription {
	return ApiDescription{
		ID:   "swagger-ui",
		Auth: common.AuthNone,
		Config: wicked.ApiConfig{
			Api: kong.Api{
				Name:        "swagger-ui",
				URIs:        kong.StringList{"/swagger-ui"},
				UpstreamURL: portalURL + "swagger-ui",
			},
			Plugins: []kong.Plugin{},
		},
	}
}

func pingApi(portalURL string) ApiDescription {
	return ApiDescription{
		ID:   "portal-ping",
		Auth: common.AuthNone,
		Config: wicked.ApiConfig{
			Api: kong.Api{
				Name:        "portal-ping",
				URIs:        kong.StringList{"/ping-portal"},
				UpstreamURL: portalURL + "ping",
			},
			Plugins: []kong.Plugin{},
		},
	}
}

func (a *Assembler) getActualApis(ctx context.Context) ([]ApiDescription, error) {
	portalApis, err := a.portal.GetApis(ctx)
	if err != nil {
		return nil, err
	}
	groups, err := a.getGroups(ctx)
	if err != nil {
		return nil, err
	}

	apis := make([]ApiDescription, len(portalApis))
	for i, portalApi := range portalApis {
		apis[i] = ApiDescription{
			ID:       portalApi.ID,
			Auth:     portalApi.Auth,
			Settings: portalApi.Settings,
		}
		if portalApi.Auth == common.AuthOAuth2 && portalApi.Settings != nil {
			apis[i].Settings = withGatewayScopes(portalApi.Settings, groups)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(common.MaxParallelCalls)
	for i := range apis {
		i := i
		g.Go(func() error {
			apiConfig, err := a.portal.GetApiConfig(gctx, apis[i].ID)
			if err != nil {
				return err
			}
			apis[i].Config = *apiConfig
			a.checkApiConfig(&apis[i].Config)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return apis, nil
}

// withGatewayScopes turns the portal's scope map into the flat list the oauth2 plugin wants and
// adds one scope per user group.
func withGatewayScopes(settings map[string]interface{}, groups []wicked.Group) map[string]interface{} {
	copied := make(map[string]interface{}, len(settings)+1)
	for k, v := range settings {
		copied[k] = v
	}
	scopes := []string{}
	switch s := settings["scopes"].(type) {
	case map[string]interface{}:
		for scope := range s {
			scopes = append(scopes, scope)
		}
		sort.Strings(scopes)
	case []interface{}:
		for _, scope := range s {
			scopes = append(scopes, fmt.Sprint(scope))
		}
	}
	for _, group := range groups {
		scopes = append(scopes, "wicked:"+group.ID)
	}
	copied["scopes"] = scopes
	return copied
}

func (a *Assembler) getAuthServerApis(ctx context.Context) ([]ApiDescription, error) {
	names, err := a.portal.GetAuthServerNames(ctx)
	if err != nil {
		return nil, err
	}
	authServers := make([]*wicked.AuthServer, len(names))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(common.MaxParallelCalls)
	for i := range names {
		i := i
		g.Go(func() error {
			authServer, err := a.portal.GetAuthServer(gctx, names[i])
			authServers[i] = authServer
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	apis := make([]ApiDescription, 0, len(authServers))
	for i, authServer := range authServers {
		id := names[i] + "-auth"
		apiConfig := authServer.Config
		apiConfig.Api.ID = ""
		apiConfig.Api.Name = id

		upstream, err := url.Parse(apiConfig.Api.UpstreamURL)
		if err != nil || upstream.Scheme == "" || upstream.Host == "" {
			return nil, configErrorf("upstream_url for auth server %s is not a valid URL: %s", names[i], apiConfig.Api.UpstreamURL)
		}
		if upstream.Path == "" {
			upstream.Path = "/"
		}
		apiConfig.Api.UpstreamURL = upstream.String()

		a.checkApiConfig(&apiConfig)
		apis = append(apis, ApiDescription{ID: id, Auth: common.AuthNone, Config: apiConfig})
	}
	return apis, nil
}

// checkApiConfig fixes up plugin configurations the gateway would reject or misread.
func (a *Assembler) checkApiConfig(apiConfig *wicked.ApiConfig) {
	for i := range apiConfig.Plugins {
		plugin := &apiConfig.Plugins[i]
		switch strings.ToLower(plugin.Name) {
		case common.RequestTransformerPlugin:
			a.checkRequestTransformerPlugin(apiConfig, plugin)
		case common.CorsPlugin:
			a.checkCorsPlugin(plugin)
		}
	}
}

func (a *Assembler) checkRequestTransformerPlugin(apiConfig *wicked.ApiConfig, plugin *kong.Plugin) {
	add, ok := plugin.Config["add"].(map[string]interface{})
	if !ok {
		return
	}
	headers, ok := add["headers"].([]interface{})
	if !ok {
		return
	}
	for i, header := range headers {
		if header == common.ForwardedSentinel {
			headers[i] = a.forwardedHeader(apiConfig.Api.URIs)
		}
	}
}

func (a *Assembler) forwardedHeader(uris kong.StringList) string {
	proto := a.globals.Schema()
	host := a.globals.Network.ApiHost
	var port string
	if i := strings.Index(host, ":"); i > 0 {
		host, port = host[:i], strings.Split(host[i+1:], ":")[0]
	} else if proto == "https" {
		port = "443"
	} else {
		port = "80"
	}
	return fmt.Sprintf("Forwarded: host=%s;port=%s;proto=%s;prefix=%s", host, port, proto, strings.Join(uris, ","))
}

func (a *Assembler) checkCorsPlugin(plugin *kong.Plugin) {
	if origins, ok := plugin.Config["origins"].(string); ok {
		a.logger.WithField(common.AttrPluginName, plugin.Name).Warn("cors config.origins is a string, converting to array")
		plugin.Config["origins"] = []interface{}{origins}
	}
}

// injectAuthPlugins adds the plugins implied by the auth strategy. They are owned by the
// adapter, an api must not declare them itself.
func (a *Assembler) injectAuthPlugins(apis []ApiDescription) error {
	for i := range apis {
		api := &apis[i]
		switch api.Auth {
		case "", common.AuthNone:
			continue
		case common.AuthKeyAuth:
			if err := a.injectKeyAuth(api); err != nil {
				return err
			}
		case common.AuthOAuth2:
			if err := a.injectOAuth2Auth(api); err != nil {
				return err
			}
		default:
			return configErrorf("unknown 'auth' setting: %s", api.Auth)
		}
	}
	return nil
}

func hasPlugin(plugins []kong.Plugin, name string) bool {
	for _, plugin := range plugins {
		if plugin.Name == name {
			return true
		}
	}
	return false
}

func enabled() *bool {
	t := true
	return &t
}

func aclPlugin(apiID string) kong.Plugin {
	return kong.Plugin{
		Name:    common.AclPlugin,
		Enabled: enabled(),
		Config:  map[string]interface{}{"whitelist": []interface{}{apiID}},
	}
}

func (a *Assembler) injectKeyAuth(api *ApiDescription) error {
	for _, owned := range []string{common.KeyAuthPlugin, common.AclPlugin} {
		if hasPlugin(api.Config.Plugins, owned) {
			return configErrorf("api %s uses 'key-auth', it must not provide a '%s' plugin itself", api.ID, owned)
		}
	}
	settings, err := decodeAuthSettings(api.Settings)
	if err != nil {
		return err
	}
	api.Config.Plugins = append(api.Config.Plugins,
		kong.Plugin{
			Name:    common.KeyAuthPlugin,
			Enabled: enabled(),
			Config: map[string]interface{}{
				"hide_credentials": settings.HideCredentials,
				"key_names":        []interface{}{a.globals.ApiKeyHeader()},
			},
		},
		aclPlugin(api.ID),
	)
	return nil
}

func (a *Assembler) injectOAuth2Auth(api *ApiDescription) error {
	for _, owned := range []string{common.OAuth2Plugin, common.AclPlugin} {
		if hasPlugin(api.Config.Plugins, owned) {
			return configErrorf("api %s uses 'oauth2', it must not provide a '%s' plugin itself", api.ID, owned)
		}
	}
	settings, err := decodeAuthSettings(api.Settings)
	if err != nil {
		return err
	}
	scopes := make([]interface{}, 0, len(settings.Scopes))
	for _, scope := range settings.Scopes {
		scopes = append(scopes, scope)
	}
	api.Config.Plugins = append(api.Config.Plugins,
		kong.Plugin{
			Name:    common.OAuth2Plugin,
			Enabled: enabled(),
			Config: map[string]interface{}{
				"scopes":                            scopes,
				"mandatory_scope":                   settings.MandatoryScope,
				"token_expiration":                  settings.TokenExpiration,
				"enable_authorization_code":         settings.EnableAuthorizationCode,
				"enable_client_credentials":         settings.EnableClientCredentials,
				"enable_implicit_grant":             settings.EnableImplicitGrant,
				"enable_password_grant":             settings.EnablePasswordGrant,
				"hide_credentials":                  settings.HideCredentials,
				"accept_http_if_already_terminated": true,
			},
		},
		aclPlugin(api.ID),
	)
	return nil
}
