package wicked

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	coreapi "github.com/Axway/agent-sdk/pkg/api"
	corecfg "github.com/Axway/agent-sdk/pkg/config"
	"github.com/Axway/agent-sdk/pkg/util/log"
)

const (
	correlationIDHeader = "Correlation-Id"
	userIDHeader        = "X-UserId"
)

type correlationKey struct{}

// WithCorrelationID attaches a correlation id which is forwarded on every portal call made with ctx.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID returns the id attached to ctx, if any.
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// StatusError is a portal API answer outside of the 2xx range.
type StatusError struct {
	Method string
	URL    string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("portal API %s %s returned status %d: %s", e.Method, e.URL, e.Status, e.Body)
}

func IsNotFound(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Status == http.StatusNotFound
	}
	return false
}

// Client reads the desired state from the wicked portal API and drives the webhook queue.
type Client struct {
	client  coreapi.Client
	baseURL string
	logger  log.FieldLogger
}

func NewClient(baseURL string, tlsCfg corecfg.TLSConfig) *Client {
	return &Client{
		client:  coreapi.NewClient(tlsCfg, ""),
		baseURL: strings.TrimSuffix(baseURL, "/"),
		logger:  log.NewFieldLogger().WithComponent("portalClient").WithPackage("wicked"),
	}
}

func (c *Client) send(ctx context.Context, method, path string, headers map[string]string, body, v interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	req := coreapi.Request{
		Method:  method,
		URL:     c.baseURL + "/" + strings.TrimPrefix(path, "/"),
		Headers: map[string]string{"Accept": "application/json"},
	}
	for k, val := range headers {
		req.Headers[k] = val
	}
	if id := CorrelationID(ctx); id != "" {
		req.Headers[correlationIDHeader] = id
	}
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		req.Body = data
		req.Headers["Content-Type"] = "application/json"
	}

	logger := c.logger.WithField("method", method).WithField("url", path)
	logger.Trace("portal request")
	res, err := c.client.Send(req)
	if err != nil {
		logger.WithError(err).Debug("portal request failed")
		return fmt.Errorf("portal API %s %s: %w", method, path, err)
	}
	if res.Code < 200 || res.Code > 299 {
		return &StatusError{Method: method, URL: path, Status: res.Code, Body: string(res.Body)}
	}
	if v == nil || len(res.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(res.Body, v); err != nil {
		return fmt.Errorf("portal API %s %s: could not decode answer: %w", method, path, err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, v interface{}) error {
	return c.send(ctx, http.MethodGet, path, nil, nil, v)
}

// Ping succeeds once the portal API answers.
func (c *Client) Ping(ctx context.Context) error {
	return c.get(ctx, "ping", nil)
}

func (c *Client) GetGlobals(ctx context.Context) (*Globals, error) {
	globals := &Globals{}
	if err := c.get(ctx, "globals", globals); err != nil {
		return nil, err
	}
	return globals, nil
}

func (c *Client) GetApis(ctx context.Context) ([]Api, error) {
	var apis ApiCollection
	if err := c.get(ctx, "apis", &apis); err != nil {
		return nil, err
	}
	return apis.Apis, nil
}

func (c *Client) GetApiConfig(ctx context.Context, apiID string) (*ApiConfig, error) {
	apiConfig := &ApiConfig{}
	if err := c.get(ctx, "apis/"+url.PathEscape(apiID)+"/config", apiConfig); err != nil {
		return nil, err
	}
	return apiConfig, nil
}

func (c *Client) GetAuthServerNames(ctx context.Context) ([]string, error) {
	var names []string
	if err := c.get(ctx, "auth-servers", &names); err != nil {
		return nil, err
	}
	return names, nil
}

func (c *Client) GetAuthServer(ctx context.Context, name string) (*AuthServer, error) {
	authServer := &AuthServer{}
	if err := c.get(ctx, "auth-servers/"+url.PathEscape(name), authServer); err != nil {
		return nil, err
	}
	return authServer, nil
}

func (c *Client) GetPlans(ctx context.Context) ([]Plan, error) {
	var plans PlanCollection
	if err := c.get(ctx, "plans", &plans); err != nil {
		return nil, err
	}
	return plans.Plans, nil
}

func (c *Client) GetGroups(ctx context.Context) ([]Group, error) {
	var groups GroupCollection
	if err := c.get(ctx, "groups", &groups); err != nil {
		return nil, err
	}
	return groups.Groups, nil
}

func (c *Client) GetApplications(ctx context.Context) ([]Application, error) {
	var apps ApplicationList
	if err := c.get(ctx, "applications", &apps); err != nil {
		return nil, err
	}
	return apps, nil
}

func (c *Client) GetApplication(ctx context.Context, appID string) (*Application, error) {
	app := &Application{}
	if err := c.get(ctx, "applications/"+url.PathEscape(appID), app); err != nil {
		return nil, err
	}
	return app, nil
}

func (c *Client) GetSubscriptions(ctx context.Context, appID string) ([]Subscription, error) {
	var subscriptions []Subscription
	if err := c.get(ctx, "applications/"+url.PathEscape(appID)+"/subscriptions", &subscriptions); err != nil {
		return nil, err
	}
	return subscriptions, nil
}

func (c *Client) GetUsers(ctx context.Context) ([]User, error) {
	var users []User
	if err := c.get(ctx, "users", &users); err != nil {
		return nil, err
	}
	return users, nil
}

// GetUserAsSelf reads a user on behalf of that user, which is the only way to see its client
// credentials.
func (c *Client) GetUserAsSelf(ctx context.Context, userID string) (*User, error) {
	user := &User{}
	err := c.send(ctx, http.MethodGet, "users/"+url.PathEscape(userID), map[string]string{userIDHeader: userID}, nil, user)
	if err != nil {
		return nil, err
	}
	return user, nil
}

// UpsertWebhookListener registers the adapter as webhook listener; calling it again is harmless.
func (c *Client) UpsertWebhookListener(ctx context.Context, listener WebhookListener) error {
	return c.send(ctx, http.MethodPut, "webhooks/listeners/"+url.PathEscape(listener.ID), nil, listener, nil)
}

func (c *Client) GetWebhookEvents(ctx context.Context, listenerID string) ([]Event, error) {
	var events []Event
	if err := c.get(ctx, "webhooks/events/"+url.PathEscape(listenerID), &events); err != nil {
		return nil, err
	}
	return events, nil
}

// DeleteWebhookEvent acknowledges an event.
func (c *Client) DeleteWebhookEvent(ctx context.Context, listenerID, eventID string) error {
	return c.send(ctx, http.MethodDelete, "webhooks/events/"+url.PathEscape(listenerID)+"/"+url.PathEscape(eventID), nil, nil, nil)
}
