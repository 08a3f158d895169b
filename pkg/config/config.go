package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/Axway/agent-sdk/pkg/cmd/properties"
	corecfg "github.com/Axway/agent-sdk/pkg/config"
	"github.com/Axway/agent-sdk/pkg/util/log"

	"github.com/apim-haufe-io/wicked.kong-adapter/pkg/common"
)

type props interface {
	AddStringProperty(name string, defaultVal string, description string)
	AddStringSliceProperty(name string, defaultVal []string, description string)
	AddIntProperty(name string, defaultVal int, description string, options ...properties.IntOpt)
	AddBoolProperty(name string, defaultVal bool, description string)
	AddDurationProperty(name string, defaultVal time.Duration, description string, options ...properties.DurationOpt)
	StringPropertyValue(name string) string
	StringSlicePropertyValue(name string) []string
	IntPropertyValue(name string) int
	BoolPropertyValue(name string) bool
	DurationPropertyValue(name string) time.Duration
}

// Property names; viper resolves them from the environment with '.' replaced by '_',
// so allow.resync is ALLOW_RESYNC and kong.curl is KONG_CURL.
const (
	cfgPortalApiUrl                   = "portal.api.url"
	cfgAdapterListenerID              = "adapter.listener.id"
	cfgAdapterUrl                     = "adapter.url"
	cfgAdapterPort                    = "adapter.port"
	cfgKongAdminUrl                   = "kong.admin.url"
	cfgKongAdminAPIKey                = "kong.admin.auth.apiKey.value"
	cfgKongAdminAPIKeyHeader          = "kong.admin.auth.apiKey.header"
	cfgKongAdminSSLNextProto          = "kong.admin.ssl.nextProtos"
	cfgKongAdminSSLInsecureSkipVerify = "kong.admin.ssl.insecureSkipVerify"
	cfgKongAdminSSLCipherSuites       = "kong.admin.ssl.cipherSuites"
	cfgKongAdminSSLMinVersion         = "kong.admin.ssl.minVersion"
	cfgKongAdminSSLMaxVersion         = "kong.admin.ssl.maxVersion"
	cfgKongExpectedVersion            = "kong.expectedVersion"
	cfgKongMonitorInterval            = "kong.monitor.interval"
	cfgKongMonitorMaxFailures         = "kong.monitor.maxFailures"
	cfgKongCurl                       = "kong.curl"
	cfgAllowResync                    = "allow.resync"
	cfgAllowKill                      = "allow.kill"
	cfgLogLevel                       = "log.level"
)

func AddAdapterProperties(rootProps props) {
	rootProps.AddStringProperty(cfgPortalApiUrl, "http://portal-api:3001", "The portal API (control plane) url")
	rootProps.AddStringProperty(cfgAdapterListenerID, common.ListenerID, "Id of the webhook listener registered with the portal API")
	rootProps.AddStringProperty(cfgAdapterUrl, "", "Url the portal API posts webhook events to, defaults to the kongAdapterUrl global")
	rootProps.AddIntProperty(cfgAdapterPort, 3002, "Port the adapter listens on")
	rootProps.AddStringProperty(cfgKongAdminUrl, "", "The Admin API url, defaults to the kongAdminUrl global")
	rootProps.AddStringProperty(cfgKongAdminAPIKey, "", "API Key value to authenticate with the Kong Admin API")
	rootProps.AddStringProperty(cfgKongAdminAPIKeyHeader, "", "API Key header to authenticate with the Kong Admin API")
	rootProps.AddStringSliceProperty(cfgKongAdminSSLNextProto, []string{}, "List of supported application level protocols, comma separated")
	rootProps.AddBoolProperty(cfgKongAdminSSLInsecureSkipVerify, false, "Controls whether a client verifies the server's certificate chain and host name")
	rootProps.AddStringSliceProperty(cfgKongAdminSSLCipherSuites, corecfg.TLSDefaultCipherSuitesStringSlice(), "List of supported cipher suites, comma separated")
	rootProps.AddStringProperty(cfgKongAdminSSLMinVersion, corecfg.TLSDefaultMinVersionString(), "Minimum acceptable SSL/TLS protocol version")
	rootProps.AddStringProperty(cfgKongAdminSSLMaxVersion, "0", "Maximum acceptable SSL/TLS protocol version")
	rootProps.AddStringProperty(cfgKongExpectedVersion, "0.14.1", "Kong version the adapter is compatible with")
	rootProps.AddDurationProperty(cfgKongMonitorInterval, 10*time.Second, "Interval of the Kong health probe")
	rootProps.AddIntProperty(cfgKongMonitorMaxFailures, 2, "Consecutive failed Kong health probes before the adapter exits")
	rootProps.AddBoolProperty(cfgKongCurl, false, "Log every Kong Admin API call as a curl command")
	rootProps.AddBoolProperty(cfgAllowResync, false, "Enable the POST /resync diagnostics end point")
	rootProps.AddBoolProperty(cfgAllowKill, false, "Enable the POST /kill end point")
	rootProps.AddStringProperty(cfgLogLevel, "info", "Log level (trace, debug, info, warn, error)")
}

type PortalConfig struct {
	ApiUrl string `config:"url"`
}

type AdapterListenerConfig struct {
	ID   string `config:"id"`
	Url  string `config:"url"`
	Port int    `config:"port"`
}

type KongAdminConfig struct {
	Url  string              `config:"url"`
	Auth KongAdminAuthConfig `config:"auth"`
	TLS  corecfg.TLSConfig   `config:"ssl"`
}

type KongAdminAuthConfig struct {
	APIKey KongAdminAuthAPIKeyConfig `config:"apiKey"`
}

type KongAdminAuthAPIKeyConfig struct {
	Header string `config:"header"`
	Value  string `config:"value"`
}

type KongMonitorConfig struct {
	Interval    time.Duration `config:"interval"`
	MaxFailures int           `config:"maxFailures"`
}

// KongConfig - gateway side settings
type KongConfig struct {
	Admin           KongAdminConfig   `config:"admin"`
	ExpectedVersion string            `config:"expectedVersion"`
	Monitor         KongMonitorConfig `config:"monitor"`
	Curl            bool              `config:"curl"`
}

// AdapterConfig - represents the config for the adapter process
type AdapterConfig struct {
	Portal      PortalConfig          `config:"portal"`
	Listener    AdapterListenerConfig `config:"adapter"`
	Kong        KongConfig            `config:"kong"`
	AllowResync bool                  `config:"allowResync"`
	AllowKill   bool                  `config:"allowKill"`
	LogLevel    string                `config:"logLevel"`
}

const (
	portalUrlErr       = "invalid portal API url provided. Must contain protocol and hostname. Example: <http://portal-api:3001>"
	listenerIDErr      = "a webhook listener id must be provided"
	portErr            = "a positive port number is required for the adapter"
	adapterUrlErr      = "invalid adapter url provided. Must contain protocol and hostname. Example: <http://kong-adapter:3002/>"
	invalidUrlErr      = "invalid Admin API url provided. Must contain protocol, hostname and optionally port." +
		"Examples: <http://kong.com:8001>, <https://kong.com:8444>"
	apiKeyHeaderErr    = "an API Key header is required when an API Key value is provided for the Kong Admin API"
	expectedVersionErr = "the expected Kong version must be provided"
	intervalErr        = "the Kong monitor interval must be positive"
	maxFailuresErr     = "the Kong monitor must allow at least one failure"
)

// ValidateCfg - Validates the adapter config
func (c *AdapterConfig) ValidateCfg() error {
	logger := log.NewFieldLogger().WithPackage("config").WithComponent("ValidateConfig")
	if invalidUrl(c.Portal.ApiUrl) {
		return errors.New(portalUrlErr)
	}
	if c.Listener.ID == "" {
		return errors.New(listenerIDErr)
	}
	if c.Listener.Port <= 0 {
		return errors.New(portErr)
	}
	if c.Listener.Url != "" && invalidUrl(c.Listener.Url) {
		return errors.New(adapterUrlErr)
	}
	if c.Kong.Admin.Url != "" && invalidUrl(c.Kong.Admin.Url) {
		return errors.New(invalidUrlErr)
	}
	if c.Kong.Admin.Auth.APIKey.Value != "" && c.Kong.Admin.Auth.APIKey.Header == "" {
		return errors.New(apiKeyHeaderErr)
	}
	if c.Kong.Admin.Url == "" {
		logger.Info("No Admin API url provided, the kongAdminUrl global will be used.")
	}
	if c.Kong.ExpectedVersion == "" {
		return errors.New(expectedVersionErr)
	}
	if c.Kong.Monitor.Interval <= 0 {
		return errors.New(intervalErr)
	}
	if c.Kong.Monitor.MaxFailures < 1 {
		return errors.New(maxFailuresErr)
	}
	if tlsValidate, validator := c.Kong.Admin.TLS.(corecfg.IConfigValidator); validator {
		if err := tlsValidate.ValidateCfg(); err != nil {
			return fmt.Errorf("kong.admin.%s", err.Error())
		}
	}
	return nil
}

func invalidUrl(u string) bool {
	parsedUrl, err := url.Parse(u)
	if err != nil || parsedUrl.Scheme == "" || parsedUrl.Host == "" {
		return true
	}

	return false
}

func ParseProperties(rootProps props) *AdapterConfig {
	// Parse the config from bound properties and setup adapter config
	return &AdapterConfig{
		Portal: PortalConfig{
			ApiUrl: rootProps.StringPropertyValue(cfgPortalApiUrl),
		},
		Listener: AdapterListenerConfig{
			ID:   rootProps.StringPropertyValue(cfgAdapterListenerID),
			Url:  rootProps.StringPropertyValue(cfgAdapterUrl),
			Port: rootProps.IntPropertyValue(cfgAdapterPort),
		},
		Kong: KongConfig{
			Admin: KongAdminConfig{
				Url: rootProps.StringPropertyValue(cfgKongAdminUrl),
				Auth: KongAdminAuthConfig{
					APIKey: KongAdminAuthAPIKeyConfig{
						Value:  rootProps.StringPropertyValue(cfgKongAdminAPIKey),
						Header: rootProps.StringPropertyValue(cfgKongAdminAPIKeyHeader),
					},
				},
				TLS: &corecfg.TLSConfiguration{
					NextProtos:         rootProps.StringSlicePropertyValue(cfgKongAdminSSLNextProto),
					InsecureSkipVerify: rootProps.BoolPropertyValue(cfgKongAdminSSLInsecureSkipVerify),
					CipherSuites:       corecfg.NewCipherArray(rootProps.StringSlicePropertyValue(cfgKongAdminSSLCipherSuites)),
					MinVersion:         corecfg.TLSVersionAsValue(rootProps.StringPropertyValue(cfgKongAdminSSLMinVersion)),
					MaxVersion:         corecfg.TLSVersionAsValue(rootProps.StringPropertyValue(cfgKongAdminSSLMaxVersion)),
				},
			},
			ExpectedVersion: rootProps.StringPropertyValue(cfgKongExpectedVersion),
			Monitor: KongMonitorConfig{
				Interval:    rootProps.DurationPropertyValue(cfgKongMonitorInterval),
				MaxFailures: rootProps.IntPropertyValue(cfgKongMonitorMaxFailures),
			},
			Curl: rootProps.BoolPropertyValue(cfgKongCurl),
		},
		AllowResync: rootProps.BoolPropertyValue(cfgAllowResync),
		AllowKill:   rootProps.BoolPropertyValue(cfgAllowKill),
		LogLevel:    rootProps.StringPropertyValue(cfgLogLevel),
	}
}
