package wicked

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func formatRequestKey(method, path string) string {
	return fmt.Sprintf("%s-%s", method, path)
}

type response struct {
	code      int
	dataIface interface{}
	data      []byte
}

type recorded struct {
	headers http.Header
	body    []byte
}

func createClient(t *testing.T, responses map[string]response) (*Client, map[string]recorded) {
	var mu sync.Mutex
	requests := map[string]recorded{}
	s := httptest.NewServer(http.HandlerFunc(func(resp http.ResponseWriter, req *http.Request) {
		key := formatRequestKey(req.Method, req.URL.Path)
		body, _ := io.ReadAll(req.Body)
		mu.Lock()
		requests[key] = recorded{headers: req.Header.Clone(), body: body}
		mu.Unlock()
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
	return NewClient(s.URL+"/", nil), requests
}

func TestGetGlobals(t *testing.T) {
	client, _ := createClient(t, map[string]response{
		formatRequestKey(http.MethodGet, "/globals"): {
			code: http.StatusOK,
			data: []byte(`{"network":{"schema":"https","portalHost":"portal.example.com","apiHost":"api.example.com:8443"},
				"api":{"portal":{"enableApi":true,"requiredGroup":"dev"}},"kongAdapter":{"ignoreList":["plugin-x"]}}`),
		},
	})
	globals, err := client.GetGlobals(context.TODO())
	require.Nil(t, err)
	assert.Equal(t, "https://portal.example.com/", globals.ExternalPortalURL())
	assert.Equal(t, "X-ApiKey", globals.ApiKeyHeader())
	assert.True(t, globals.InternalApiEnabled())
	assert.Equal(t, []string{"plugin-x"}, globals.KongAdapter.IgnoreList)

	empty := &Globals{}
	assert.Equal(t, "http://portal:3000/", empty.ExternalPortalURL())
	assert.Equal(t, "https", empty.Schema())
}

func TestStatusErrors(t *testing.T) {
	testCases := map[string]struct {
		responses map[string]response
		notFound  bool
		expectErr bool
	}{
		"found": {
			responses: map[string]response{
				formatRequestKey(http.MethodGet, "/applications/app1"): {
					code:      http.StatusOK,
					dataIface: Application{ID: "app1", Name: "App 1"},
				},
			},
		},
		"not found": {
			expectErr: true,
			notFound:  true,
		},
		"server error": {
			expectErr: true,
			responses: map[string]response{
				formatRequestKey(http.MethodGet, "/applications/app1"): {
					code: http.StatusInternalServerError,
				},
			},
		},
	}
	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			client, _ := createClient(t, tc.responses)
			app, err := client.GetApplication(context.TODO(), "app1")
			if !tc.expectErr {
				require.Nil(t, err)
				assert.Equal(t, "App 1", app.Name)
				return
			}
			assert.NotNil(t, err)
			assert.Equal(t, tc.notFound, IsNotFound(err))
		})
	}
}

func TestApplicationList(t *testing.T) {
	for name, data := range map[string]string{
		"paged": `{"items":[{"id":"a"},{"id":"b"}],"count":2}`,
		"plain": `[{"id":"a"},{"id":"b"}]`,
	} {
		t.Run(name, func(t *testing.T) {
			client, _ := createClient(t, map[string]response{
				formatRequestKey(http.MethodGet, "/applications"): {code: http.StatusOK, data: []byte(data)},
			})
			apps, err := client.GetApplications(context.TODO())
			require.Nil(t, err)
			assert.Equal(t, []Application{{ID: "a"}, {ID: "b"}}, apps)
		})
	}
}

func TestHeaders(t *testing.T) {
	client, requests := createClient(t, map[string]response{
		formatRequestKey(http.MethodGet, "/users/u1"): {
			code:      http.StatusOK,
			dataIface: User{ID: "u1", Email: "a@b.c", ClientID: "cid", ClientSecret: "secret"},
		},
		formatRequestKey(http.MethodPut, "/webhooks/listeners/kong-adapter"): {code: http.StatusOK},
	})
	ctx := WithCorrelationID(context.TODO(), "corr-1")

	user, err := client.GetUserAsSelf(ctx, "u1")
	require.Nil(t, err)
	assert.Equal(t, "cid", user.ClientID)
	req := requests[formatRequestKey(http.MethodGet, "/users/u1")]
	assert.Equal(t, "u1", req.headers.Get("X-UserId"))
	assert.Equal(t, "corr-1", req.headers.Get("Correlation-Id"))

	err = client.UpsertWebhookListener(ctx, WebhookListener{ID: "kong-adapter", URL: "http://kong-adapter:3002"})
	require.Nil(t, err)
	req = requests[formatRequestKey(http.MethodPut, "/webhooks/listeners/kong-adapter")]
	assert.JSONEq(t, `{"id":"kong-adapter","url":"http://kong-adapter:3002"}`, string(req.body))
}

func TestWebhookEvents(t *testing.T) {
	client, requests := createClient(t, map[string]response{
		formatRequestKey(http.MethodGet, "/webhooks/events/kong-adapter"): {
			code: http.StatusOK,
			data: []byte(`[{"id":"e1","entity":"application","action":"delete","data":{"applicationId":"app1"}}]`),
		},
		formatRequestKey(http.MethodDelete, "/webhooks/events/kong-adapter/e1"): {code: http.StatusNoContent},
	})
	events, err := client.GetWebhookEvents(context.TODO(), "kong-adapter")
	require.Nil(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "app1", events[0].Data["applicationId"])

	require.Nil(t, client.DeleteWebhookEvent(context.TODO(), "kong-adapter", "e1"))
	_, deleted := requests[formatRequestKey(http.MethodDelete, "/webhooks/events/kong-adapter/e1")]
	assert.True(t, deleted)
}

func TestUserHasGroup(t *testing.T) {
	user := User{Groups: []string{"dev", "admin"}}
	assert.True(t, user.HasGroup("dev"))
	assert.False(t, user.HasGroup("ops"))
}
