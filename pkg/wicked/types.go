package wicked

import (
	"encoding/json"
	"strings"

	"github.com/apim-haufe-io/wicked.kong-adapter/pkg/common"
	"github.com/apim-haufe-io/wicked.kong-adapter/pkg/kong"
)

// Globals is the subset of the portal's globals.json the adapter reads.
type Globals struct {
	Network     NetworkGlobals     `json:"network"`
	Api         ApiGlobals         `json:"api"`
	KongAdapter KongAdapterGlobals `json:"kongAdapter"`
}

type NetworkGlobals struct {
	Schema         string `json:"schema"`
	PortalHost     string `json:"portalHost"`
	ApiHost        string `json:"apiHost"`
	KongAdminUrl   string `json:"kongAdminUrl"`
	KongAdapterUrl string `json:"kongAdapterUrl"`
}

type ApiGlobals struct {
	HeaderName string       `json:"headerName"`
	Portal     PortalGlobal `json:"portal"`
}

type PortalGlobal struct {
	EnableApi     bool   `json:"enableApi"`
	RequiredGroup string `json:"requiredGroup"`
}

type KongAdapterGlobals struct {
	IgnoreList []string `json:"ignoreList"`
}

// Schema defaults to https.
func (g *Globals) Schema() string {
	if g.Network.Schema == "" {
		return "https"
	}
	return g.Network.Schema
}

// ExternalPortalURL is the portal's public base URL, always ending in a slash.
func (g *Globals) ExternalPortalURL() string {
	if g.Network.PortalHost == "" {
		return common.DefaultPortalURL
	}
	return g.Schema() + "://" + strings.TrimSuffix(g.Network.PortalHost, "/") + "/"
}

func (g *Globals) ApiKeyHeader() string {
	if g.Api.HeaderName == "" {
		return common.DefaultApiKeyName
	}
	return g.Api.HeaderName
}

// InternalApiEnabled reports whether portal users get consumers of their own.
func (g *Globals) InternalApiEnabled() bool {
	return g.Api.Portal.EnableApi
}

// ApiConfig is the gateway configuration of one api: the api object and its global plugins.
type ApiConfig struct {
	Api     kong.Api      `json:"api"`
	Plugins []kong.Plugin `json:"plugins"`
}

// Api is an api definition from apis.json. Settings stay untyped, their shape depends on auth.
type Api struct {
	ID       string                 `json:"id"`
	Name     string                 `json:"name"`
	Desc     string                 `json:"desc,omitempty"`
	Auth     string                 `json:"auth,omitempty"`
	Tags     []string               `json:"tags,omitempty"`
	Plans    []string               `json:"plans,omitempty"`
	Settings map[string]interface{} `json:"settings,omitempty"`
}

type ApiCollection struct {
	Apis []Api `json:"apis"`
}

type AuthServer struct {
	ID     string    `json:"id"`
	Name   string    `json:"name,omitempty"`
	Desc   string    `json:"desc,omitempty"`
	Config ApiConfig `json:"config"`
}

type PlanConfig struct {
	Plugins []kong.Plugin `json:"plugins"`
}

type Plan struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Desc          string     `json:"desc,omitempty"`
	NeedsApproval bool       `json:"needsApproval,omitempty"`
	RequiredGroup string     `json:"requiredGroup,omitempty"`
	Config        PlanConfig `json:"config"`
}

type PlanCollection struct {
	Plans []Plan `json:"plans"`
}

type Group struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	AdminGroup bool   `json:"adminGroup,omitempty"`
}

type GroupCollection struct {
	Groups []Group `json:"groups"`
}

type Application struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	RedirectURI string `json:"redirectUri,omitempty"`
}

// ApplicationList accepts both the paged {"items": [...]} answer and a plain array.
type ApplicationList []Application

func (l *ApplicationList) UnmarshalJSON(data []byte) error {
	var plain []Application
	if err := json.Unmarshal(data, &plain); err == nil {
		*l = plain
		return nil
	}
	var paged struct {
		Items []Application `json:"items"`
	}
	if err := json.Unmarshal(data, &paged); err != nil {
		return err
	}
	*l = paged.Items
	return nil
}

type Subscription struct {
	ID           string `json:"id"`
	Application  string `json:"application"`
	Api          string `json:"api"`
	Plan         string `json:"plan"`
	Auth         string `json:"auth,omitempty"`
	Approved     bool   `json:"approved"`
	ApiKey       string `json:"apikey,omitempty"`
	ClientID     string `json:"clientId,omitempty"`
	ClientSecret string `json:"clientSecret,omitempty"`
}

type User struct {
	ID           string   `json:"id"`
	Email        string   `json:"email"`
	Groups       []string `json:"groups,omitempty"`
	ClientID     string   `json:"clientId,omitempty"`
	ClientSecret string   `json:"clientSecret,omitempty"`
}

// HasGroup reports membership in group.
func (u *User) HasGroup(group string) bool {
	for _, g := range u.Groups {
		if g == group {
			return true
		}
	}
	return false
}

// Event is a queued webhook event. Data depends on entity and action.
type Event struct {
	ID     string                 `json:"id"`
	Action string                 `json:"action"`
	Entity string                 `json:"entity"`
	Href   string                 `json:"href,omitempty"`
	Data   map[string]interface{} `json:"data,omitempty"`
}

type WebhookListener struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}
