package kong

import "fmt"

// PluginKind is one of the consumer scoped auth plugins the adapter reconciles.
type PluginKind int

const (
	ACLs PluginKind = iota
	OAuth2
	KeyAuth
	BasicAuth
	HMACAuth
)

var pluginKindNames = map[PluginKind]string{
	ACLs:      "acls",
	OAuth2:    "oauth2",
	KeyAuth:   "key-auth",
	BasicAuth: "basic-auth",
	HMACAuth:  "hmac-auth",
}

// ConsumerPluginKinds lists every kind in reconciliation order.
var ConsumerPluginKinds = []PluginKind{ACLs, OAuth2, KeyAuth, BasicAuth, HMACAuth}

func (k PluginKind) String() string {
	if name, ok := pluginKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("PluginKind(%d)", int(k))
}

// ParsePluginKind maps a gateway resource name to its kind.
func ParsePluginKind(name string) (PluginKind, error) {
	for kind, kindName := range pluginKindNames {
		if kindName == name {
			return kind, nil
		}
	}
	return 0, fmt.Errorf("unknown consumer plugin kind %q", name)
}

func (k PluginKind) MarshalText() ([]byte, error) {
	name, ok := pluginKindNames[k]
	if !ok {
		return nil, fmt.Errorf("unknown consumer plugin kind %d", int(k))
	}
	return []byte(name), nil
}

func (k *PluginKind) UnmarshalText(text []byte) error {
	kind, err := ParsePluginKind(string(text))
	if err != nil {
		return err
	}
	*k = kind
	return nil
}
