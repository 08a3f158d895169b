package kong

import (
	"encoding/json"
	"fmt"

	klib "github.com/kong/go-kong/kong"
)

// StringList decodes from either a JSON array of strings or a single string. The portal is not
// consistent about uris, hosts, methods and cors origins.
type StringList []string

func (s *StringList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*s = StringList{single}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("expected string or list of strings: %w", err)
	}
	*s = list
	return nil
}

// Api is the legacy Kong api object.
type Api struct {
	ID                     string     `json:"id,omitempty"`
	CreatedAt              int64      `json:"created_at,omitempty"`
	Name                   string     `json:"name,omitempty"`
	Hosts                  StringList `json:"hosts,omitempty"`
	URIs                   StringList `json:"uris,omitempty"`
	Methods                StringList `json:"methods,omitempty"`
	UpstreamURL            string     `json:"upstream_url,omitempty"`
	StripURI               *bool      `json:"strip_uri,omitempty"`
	PreserveHost           *bool      `json:"preserve_host,omitempty"`
	Retries                *int64     `json:"retries,omitempty"`
	UpstreamConnectTimeout *int64     `json:"upstream_connect_timeout,omitempty"`
	UpstreamSendTimeout    *int64     `json:"upstream_send_timeout,omitempty"`
	UpstreamReadTimeout    *int64     `json:"upstream_read_timeout,omitempty"`
	HTTPSOnly              *bool      `json:"https_only,omitempty"`
	HTTPIfTerminated       *bool      `json:"http_if_terminated,omitempty"`
}

// Plugin is a legacy Kong plugin, attached to an api and optionally scoped to a consumer.
type Plugin struct {
	ID         string                 `json:"id,omitempty"`
	Name       string                 `json:"name"`
	ApiID      string                 `json:"api_id,omitempty"`
	ConsumerID string                 `json:"consumer_id,omitempty"`
	Enabled    *bool                  `json:"enabled,omitempty"`
	Config     map[string]interface{} `json:"config,omitempty"`
	CreatedAt  int64                  `json:"created_at,omitempty"`
}

// PluginData is one consumer scoped plugin instance (an acl group, a key, oauth2 app credentials).
type PluginData map[string]interface{}

// ID returns the gateway assigned id of the instance.
func (p PluginData) ID() string {
	id, _ := p["id"].(string)
	return id
}

type ApiCollection struct {
	Data []Api  `json:"data"`
	Next string `json:"next,omitempty"`
}

type PluginCollection struct {
	Data []Plugin `json:"data"`
	Next string   `json:"next,omitempty"`
}

type ConsumerCollection struct {
	Data []klib.Consumer `json:"data"`
	Next string          `json:"next,omitempty"`
}

type PluginDataCollection struct {
	Data []PluginData `json:"data"`
	Next string       `json:"next,omitempty"`
}

// ApiEntry is an api as observed on the gateway, with its global plugins.
type ApiEntry struct {
	Api     Api      `json:"api"`
	Plugins []Plugin `json:"plugins"`
}

// ConsumerInfo is a consumer with its auth plugins and the api plugins scoped to it. It
// describes both the desired and the observed side of a consumer.
type ConsumerInfo struct {
	Consumer   klib.Consumer               `json:"consumer"`
	Plugins    map[PluginKind][]PluginData `json:"plugins"`
	ApiPlugins []Plugin                    `json:"apiPlugins"`
}

// Username of the consumer, empty if unset.
func (c ConsumerInfo) Username() string {
	if c.Consumer.Username == nil {
		return ""
	}
	return *c.Consumer.Username
}

// CustomID of the consumer, empty if unset.
func (c ConsumerInfo) CustomID() string {
	if c.Consumer.CustomID == nil {
		return ""
	}
	return *c.Consumer.CustomID
}

// ID is the gateway assigned id of the consumer.
func (c ConsumerInfo) ID() string {
	if c.Consumer.ID == nil {
		return ""
	}
	return *c.Consumer.ID
}
