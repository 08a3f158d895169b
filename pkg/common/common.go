package common

import "strings"

const (
	AttrApiName      = "apiName"
	AttrApiID        = "apiID"
	AttrPluginName   = "pluginName"
	AttrPluginID     = "pluginID"
	AttrConsumerID   = "consumerID"
	AttrConsumerName = "consumerName"
	AttrAppID        = "applicationID"
	AttrEventID      = "eventID"
	AttrEntity       = "entity"
	AttrAction       = "action"

	// MaxParallelCalls caps concurrent outstanding calls in one fan-out.
	MaxParallelCalls = 10

	// InternalApiName is the api a portal user consumer belongs to.
	InternalApiName = "portal-api-internal"

	ListenerID = "kong-adapter"

	DefaultPortalURL  = "http://portal:3000/"
	DefaultApiKeyName = "X-ApiKey"
	DummyRedirectURI  = "https://dummy.org"
	UserRedirectURI   = "http://dummy.org"

	// auth strategies
	AuthNone    = "none"
	AuthKeyAuth = "key-auth"
	AuthOAuth2  = "oauth2"

	// plugins
	AclPlugin                = "acl"
	KeyAuthPlugin            = "key-auth"
	OAuth2Plugin             = "oauth2"
	CorsPlugin               = "cors"
	RequestTransformerPlugin = "request-transformer"

	// ForwardedSentinel is replaced by a computed Forwarded header in request-transformer plugins.
	ForwardedSentinel = "%%Forwarded"

	// webhook entities and actions
	EntityApplication  = "application"
	EntitySubscription = "subscription"
	EntityUser         = "user"
	EntityImport       = "import"

	ActionAdd    = "add"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// MakeUserName builds the gateway consumer username of an application subscription.
func MakeUserName(appID, apiID string) string {
	return appID + "$" + apiID
}

// ExtractApiName returns the api a consumer username belongs to. Subscription consumers carry it
// after the '$', portal users (e-mail usernames) belong to the internal api. An empty string means
// no api could be derived.
func ExtractApiName(username string) string {
	if i := strings.Index(username, "$"); i >= 0 {
		return username[i+1:]
	}
	if strings.Contains(username, "@") {
		return InternalApiName
	}
	return ""
}
