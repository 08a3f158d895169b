package sync

import (
	"encoding/json"
)

// MatchObjects reports whether everything set on desired is also present, with the same value, on
// observed. Extra properties on observed are fine, so the gateway may add defaults and ids. Both
// sides are compared in their JSON form; arrays are compared position by position and observed
// may hold more elements than desired.
func MatchObjects(desired, observed interface{}) bool {
	d, err := normalize(desired)
	if err != nil {
		return false
	}
	o, err := normalize(observed)
	if err != nil {
		return false
	}
	return contains(d, o)
}

func normalize(v interface{}) (interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic interface{}
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, err
	}
	return generic, nil
}

func contains(desired, observed interface{}) bool {
	switch d := desired.(type) {
	case nil:
		// null carries no properties, it is satisfied by any object like value
		return isObjectLike(observed)
	case map[string]interface{}:
		o, ok := observed.(map[string]interface{})
		if !ok {
			return len(d) == 0 && isObjectLike(observed)
		}
		for key, value := range d {
			observedValue, found := o[key]
			if !found || !contains(value, observedValue) {
				return false
			}
		}
		return true
	case []interface{}:
		o, ok := observed.([]interface{})
		if !ok {
			return len(d) == 0 && isObjectLike(observed)
		}
		if len(d) > len(o) {
			return false
		}
		for i := range d {
			if !contains(d[i], o[i]) {
				return false
			}
		}
		return true
	default:
		return desired == observed
	}
}

func isObjectLike(v interface{}) bool {
	switch v.(type) {
	case nil, map[string]interface{}, []interface{}:
		return true
	}
	return false
}
