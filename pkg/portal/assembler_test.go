package portal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apim-haufe-io/wicked.kong-adapter/pkg/kong"
	"github.com/apim-haufe-io/wicked.kong-adapter/pkg/wicked"
)

func formatRequestKey(method, path string) string {
	return fmt.Sprintf("%s-%s", method, path)
}

type response struct {
	code      int
	dataIface interface{}
	data      []byte
}

type portalServer struct {
	mu    sync.Mutex
	calls map[string]int
}

func (p *portalServer) count(key string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[key]
}

func createAssembler(t *testing.T, globals *wicked.Globals, responses map[string]response) (*Assembler, *portalServer) {
	server := &portalServer{calls: map[string]int{}}
	s := httptest.NewServer(http.HandlerFunc(func(resp http.ResponseWriter, req *http.Request) {
		key := formatRequestKey(req.Method, req.URL.Path)
		server.mu.Lock()
		server.calls[key]++
		server.mu.Unlock()
		if res, found := responses[key]; found {
			resp.WriteHeader(res.code)
			if res.dataIface != nil {
				data, _ := json.Marshal(res.dataIface)
				resp.Write(data)
			} else {
				resp.Write(res.data)
			}
			return
		}
		resp.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(s.Close)
	return NewAssembler(wicked.NewClient(s.URL, nil), globals), server
}

func ok(data string) response {
	return response{code: http.StatusOK, data: []byte(data)}
}

func baseApiResponses() map[string]response {
	return map[string]response{
		formatRequestKey(http.MethodGet, "/apis"): ok(`{"apis":[
			{"id":"petstore","auth":"key-auth","settings":{"hide_credentials":true}},
			{"id":"weather","auth":"oauth2","settings":{"scopes":{"read":{"description":"r"},"write":{"description":"w"}},
				"token_expiration":"1800","enable_client_credentials":true}},
			{"id":"open","auth":"none"}]}`),
		formatRequestKey(http.MethodGet, "/groups"):                 ok(`{"groups":[{"id":"dev","name":"Developers"}]}`),
		formatRequestKey(http.MethodGet, "/apis/petstore/config"):   ok(`{"api":{"name":"petstore","uris":["/petstore"],"upstream_url":"http://petstore:8080"},"plugins":[]}`),
		formatRequestKey(http.MethodGet, "/apis/weather/config"):    ok(`{"api":{"name":"weather","uris":"/weather","upstream_url":"http://weather"},"plugins":[{"name":"cors","config":{"origins":"*"}}]}`),
		formatRequestKey(http.MethodGet, "/apis/open/config"):       ok(`{"api":{"name":"open","uris":["/open","/free"],"upstream_url":"http://open"},"plugins":[{"name":"request-transformer","config":{"add":{"headers":["X-Some: 1","%%Forwarded"]}}}]}`),
		formatRequestKey(http.MethodGet, "/auth-servers"):           ok(`["default"]`),
		formatRequestKey(http.MethodGet, "/auth-servers/default"):   ok(`{"id":"default","config":{"api":{"id":"x","uris":["/auth"],"upstream_url":"http://auth:3010"},"plugins":[]}}`),
	}
}

func TestGetPortalApis(t *testing.T) {
	globals := &wicked.Globals{Network: wicked.NetworkGlobals{Schema: "https", PortalHost: "portal.example.com", ApiHost: "api.example.com"}}
	assembler, _ := createAssembler(t, globals, baseApiResponses())

	apis, err := assembler.GetPortalApis(context.TODO())
	require.Nil(t, err)

	ids := []string{}
	for _, api := range apis {
		ids = append(ids, api.ID)
	}
	assert.Equal(t, []string{"petstore", "weather", "open", "swagger-ui", "portal-ping", "default-auth"}, ids)

	petstore := apis[0].Config.Plugins
	require.Len(t, petstore, 2)
	assert.Equal(t, "key-auth", petstore[0].Name)
	assert.Equal(t, true, petstore[0].Config["hide_credentials"])
	assert.Equal(t, []interface{}{"X-ApiKey"}, petstore[0].Config["key_names"])
	assert.Equal(t, "acl", petstore[1].Name)
	assert.Equal(t, []interface{}{"petstore"}, petstore[1].Config["whitelist"])

	weather := apis[1].Config.Plugins
	require.Len(t, weather, 3)
	assert.Equal(t, []interface{}{"*"}, weather[0].Config["origins"])
	assert.Equal(t, "oauth2", weather[1].Name)
	assert.Equal(t, []interface{}{"read", "write", "wicked:dev"}, weather[1].Config["scopes"])
	assert.Equal(t, 1800, weather[1].Config["token_expiration"])
	assert.Equal(t, true, weather[1].Config["enable_client_credentials"])
	assert.Equal(t, false, weather[1].Config["enable_implicit_grant"])
	assert.Equal(t, true, weather[1].Config["accept_http_if_already_terminated"])
	assert.Equal(t, kong.StringList{"/weather"}, apis[1].Config.Api.URIs)

	headers := apis[2].Config.Plugins[0].Config["add"].(map[string]interface{})["headers"]
	assert.Equal(t, []interface{}{"X-Some: 1", "Forwarded: host=api.example.com;port=443;proto=https;prefix=/open,/free"}, headers)
	assert.Len(t, apis[2].Config.Plugins, 1)

	assert.Equal(t, "https://portal.example.com/swagger-ui", apis[3].Config.Api.UpstreamURL)
	assert.Equal(t, "https://portal.example.com/ping", apis[4].Config.Api.UpstreamURL)

	authServer := apis[5].Config.Api
	assert.Equal(t, "", authServer.ID)
	assert.Equal(t, "default-auth", authServer.Name)
	assert.Equal(t, "http://auth:3010/", authServer.UpstreamURL)
}

func TestOAuth2ApiWithoutSettings(t *testing.T) {
	responses := baseApiResponses()
	responses[formatRequestKey(http.MethodGet, "/apis")] = ok(`{"apis":[{"id":"weather","auth":"oauth2"}]}`)
	globals := &wicked.Globals{Network: wicked.NetworkGlobals{Schema: "https", PortalHost: "portal.example.com", ApiHost: "api.example.com"}}
	assembler, _ := createAssembler(t, globals, responses)

	apis, err := assembler.GetPortalApis(context.TODO())
	require.Nil(t, err)
	assert.Equal(t, "weather", apis[0].ID)
	assert.Nil(t, apis[0].Settings)
	plugins := apis[0].Config.Plugins
	require.Len(t, plugins, 3)
	assert.Equal(t, "oauth2", plugins[1].Name)
	assert.Equal(t, []interface{}{}, plugins[1].Config["scopes"])
}

func TestForwardedHeaderPort(t *testing.T) {
	testCases := map[string]struct {
		globals  wicked.Globals
		expected string
	}{
		"explicit port": {
			globals:  wicked.Globals{Network: wicked.NetworkGlobals{Schema: "https", ApiHost: "localhost:8443"}},
			expected: "Forwarded: host=localhost;port=8443;proto=https;prefix=/a",
		},
		"http default": {
			globals:  wicked.Globals{Network: wicked.NetworkGlobals{Schema: "http", ApiHost: "api.local"}},
			expected: "Forwarded: host=api.local;port=80;proto=http;prefix=/a",
		},
	}
	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			globals := tc.globals
			assembler := &Assembler{globals: &globals}
			assert.Equal(t, tc.expected, assembler.forwardedHeader(kong.StringList{"/a"}))
		})
	}
}

func TestGetPortalApisConfigErrors(t *testing.T) {
	testCases := map[string]struct {
		override map[string]response
	}{
		"own key-auth plugin": {
			override: map[string]response{
				formatRequestKey(http.MethodGet, "/apis/petstore/config"): ok(`{"api":{"name":"petstore"},"plugins":[{"name":"key-auth"}]}`),
			},
		},
		"own acl plugin with oauth2": {
			override: map[string]response{
				formatRequestKey(http.MethodGet, "/apis/weather/config"): ok(`{"api":{"name":"weather"},"plugins":[{"name":"acl"}]}`),
			},
		},
		"unknown auth": {
			override: map[string]response{
				formatRequestKey(http.MethodGet, "/apis"): ok(`{"apis":[{"id":"petstore","auth":"basic-auth"}]}`),
			},
		},
		"invalid auth server url": {
			override: map[string]response{
				formatRequestKey(http.MethodGet, "/auth-servers/default"): ok(`{"config":{"api":{"upstream_url":"not a url"},"plugins":[]}}`),
			},
		},
	}
	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			responses := baseApiResponses()
			for k, v := range tc.override {
				responses[k] = v
			}
			assembler, _ := createAssembler(t, &wicked.Globals{}, responses)
			_, err := assembler.GetPortalApis(context.TODO())
			var configErr *ConfigError
			assert.True(t, errors.As(err, &configErr), "expected a config error, got %v", err)
		})
	}
}

func consumerResponses() map[string]response {
	return map[string]response{
		formatRequestKey(http.MethodGet, "/plans"): ok(`{"plans":[
			{"id":"basic","config":{"plugins":[{"name":"rate-limiting","config":{"hour":100}}]}},
			{"id":"unlimited"}]}`),
		formatRequestKey(http.MethodGet, "/applications"): ok(`{"items":[{"id":"app1"},{"id":"gone"}]}`),
		formatRequestKey(http.MethodGet, "/applications/app1"): ok(`{"id":"app1","name":"App 1"}`),
		formatRequestKey(http.MethodGet, "/applications/app1/subscriptions"): ok(`[
			{"id":"s1","application":"app1","api":"petstore","plan":"basic","auth":"key-auth","approved":true,"apikey":"k1"},
			{"id":"s2","application":"app1","api":"weather","plan":"unlimited","auth":"oauth2","approved":true,"clientId":"c","clientSecret":"s"},
			{"id":"s3","application":"app1","api":"secret","plan":"basic","approved":false,"apikey":"k3"}]`),
	}
}

func TestGetAppConsumers(t *testing.T) {
	assembler, server := createAssembler(t, &wicked.Globals{}, consumerResponses())

	consumers, err := assembler.GetAppConsumers(context.TODO(), "app1")
	require.Nil(t, err)
	require.Len(t, consumers, 2, "unapproved subscriptions are skipped")

	keyAuth := consumers[0]
	assert.Equal(t, "app1$petstore", keyAuth.Username())
	assert.Equal(t, "s1", keyAuth.CustomID())
	assert.Equal(t, []kong.PluginData{{"group": "petstore"}}, keyAuth.Plugins[kong.ACLs])
	assert.Equal(t, []kong.PluginData{{"key": "k1"}}, keyAuth.Plugins[kong.KeyAuth])
	require.Len(t, keyAuth.ApiPlugins, 1)
	assert.Equal(t, "rate-limiting", keyAuth.ApiPlugins[0].Name)

	oauth2 := consumers[1]
	assert.Equal(t, "app1$weather", oauth2.Username())
	assert.Equal(t, []interface{}{"https://dummy.org"}, oauth2.Plugins[kong.OAuth2][0]["redirect_uri"])
	assert.Equal(t, "app1", oauth2.Plugins[kong.OAuth2][0]["name"])
	assert.Empty(t, oauth2.ApiPlugins)
	assert.NotNil(t, oauth2.ApiPlugins)

	keyAuth.ApiPlugins[0].Config["hour"] = 1
	consumers, err = assembler.GetAppConsumers(context.TODO(), "app1")
	require.Nil(t, err)
	assert.Equal(t, float64(100), consumers[0].ApiPlugins[0].Config["hour"], "plan plugins are cloned")
	assert.Equal(t, 1, server.count(formatRequestKey(http.MethodGet, "/plans")), "plans are cached")
}

func TestGetAppConsumersErrors(t *testing.T) {
	testCases := map[string]struct {
		subscriptions string
		configErr     bool
	}{
		"unknown plan": {
			subscriptions: `[{"id":"s1","application":"app1","api":"petstore","plan":"gold","approved":true}]`,
			configErr:     true,
		},
		"unknown auth": {
			subscriptions: `[{"id":"s1","application":"app1","api":"petstore","plan":"basic","auth":"jwt","approved":true}]`,
			configErr:     true,
		},
	}
	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			responses := consumerResponses()
			responses[formatRequestKey(http.MethodGet, "/applications/app1/subscriptions")] = ok(tc.subscriptions)
			assembler, _ := createAssembler(t, &wicked.Globals{}, responses)
			_, err := assembler.GetAppConsumers(context.TODO(), "app1")
			var configErr *ConfigError
			assert.Equal(t, tc.configErr, errors.As(err, &configErr))
		})
	}
}

func TestGetAllPortalConsumers(t *testing.T) {
	responses := consumerResponses()
	responses[formatRequestKey(http.MethodGet, "/users")] = ok(`[{"id":"u1"},{"id":"u2"},{"id":"u3"},{"id":"u4"}]`)
	responses[formatRequestKey(http.MethodGet, "/users/u1")] = ok(`{"id":"u1","email":"one@example.com","groups":["dev"],"clientId":"c1","clientSecret":"s1"}`)
	responses[formatRequestKey(http.MethodGet, "/users/u2")] = ok(`{"id":"u2","email":"two@example.com","groups":["dev"]}`)
	responses[formatRequestKey(http.MethodGet, "/users/u3")] = ok(`{"id":"u3","email":"three@example.com","clientId":"c3","clientSecret":"s3"}`)
	globals := &wicked.Globals{Api: wicked.ApiGlobals{Portal: wicked.PortalGlobal{EnableApi: true, RequiredGroup: "dev"}}}
	assembler, _ := createAssembler(t, globals, responses)

	consumers, err := assembler.GetAllPortalConsumers(context.TODO())
	require.Nil(t, err)
	require.Len(t, consumers, 3, "the deleted application contributes nothing")

	user := consumers[2]
	assert.Equal(t, "one@example.com", user.Username())
	assert.Equal(t, "u1", user.CustomID())
	assert.Equal(t, []kong.PluginData{{"group": "portal-api-internal"}}, user.Plugins[kong.ACLs])
	assert.Equal(t, []interface{}{"http://dummy.org"}, user.Plugins[kong.OAuth2][0]["redirect_uri"])
	assert.Empty(t, user.ApiPlugins)
}
