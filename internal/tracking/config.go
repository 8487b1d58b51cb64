package tracking

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/emberlink/ember/internal/canonjson"
)

// Policy is an allow/deny decision for a collaborative-object type.
type Policy string

const (
	PolicyAllow Policy = "allow"
	PolicyDeny  Policy = "deny"
)

// TypePolicy is the per-typename filter inside a Cobs map: either every
// object of the type (Wildcard) or an explicit set of object IDs.
type TypePolicy struct {
	Policy   Policy
	Wildcard bool
	Pattern  []string // explicit ObjectIDs; only meaningful when !Wildcard
}

// CobsPolicy is either "*" (admit every collaborative object) or a map of
// per-typename TypePolicy.
type CobsPolicy struct {
	Wildcard bool
	Types    map[string]TypePolicy
}

// Config is one tracking entry's configuration:
//
//	{ "data": <bool>, "cobs": "*" | { "<TypeName>": {...} } }
type Config struct {
	Data bool
	Cobs CobsPolicy
}

// AllowsCob reports whether the entry admits the collaborative object
// of the given typename and ObjectID, implementing the allow/deny x
// wildcard/explicit matrix.
func (c Config) AllowsCob(typename, objectID string) bool {
	if c.Cobs.Wildcard {
		return true
	}
	tp, ok := c.Cobs.Types[typename]
	if !ok {
		return false
	}
	if tp.Wildcard {
		return tp.Policy == PolicyAllow
	}
	inPattern := false
	for _, id := range tp.Pattern {
		if id == objectID {
			inPattern = true
			break
		}
	}
	switch tp.Policy {
	case PolicyAllow:
		return inPattern
	case PolicyDeny:
		// An empty deny pattern denies nothing.
		return !inPattern
	default:
		return false
	}
}

// jsonConfig is the wire shape used only for encode/decode round trips.
type jsonConfig struct {
	Data bool `json:"data"`
	Cobs any  `json:"cobs"`
}

// Marshal encodes c to its canonical-JSON bytes.
func (c Config) Marshal() ([]byte, error) {
	wire := jsonConfig{Data: c.Data}
	if c.Cobs.Wildcard {
		wire.Cobs = "*"
	} else {
		m := make(map[string]any, len(c.Cobs.Types))
		for tn, tp := range c.Cobs.Types {
			entry := map[string]any{"policy": string(tp.Policy)}
			if tp.Wildcard {
				entry["pattern"] = "*"
			} else {
				pat := make([]any, len(tp.Pattern))
				for i, id := range tp.Pattern {
					pat[i] = id
				}
				entry["pattern"] = pat
			}
			m[tn] = entry
		}
		wire.Cobs = m
	}

	raw, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("tracking: marshal config: %w", err)
	}
	return canonjson.CanonicalBytes(raw)
}

// Unmarshal decodes canonical-JSON bytes into a Config, rejecting unknown
// top-level keys and malformed cobs entries.
func Unmarshal(data []byte) (Config, error) {
	v, err := canonjson.Decode(data)
	if err != nil {
		return Config{}, err
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return Config{}, fmt.Errorf("tracking: config is not a JSON object")
	}

	allowedKeys := map[string]bool{"data": true, "cobs": true}
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !allowedKeys[k] {
			return Config{}, fmt.Errorf("tracking: unknown top-level key %q", k)
		}
	}

	dataVal, ok := obj["data"]
	if !ok {
		return Config{}, fmt.Errorf("tracking: missing required key %q", "data")
	}
	dataBool, ok := dataVal.(bool)
	if !ok {
		return Config{}, fmt.Errorf("tracking: %q must be a bool", "data")
	}

	cobsVal, ok := obj["cobs"]
	if !ok {
		return Config{}, fmt.Errorf("tracking: missing required key %q", "cobs")
	}

	cfg := Config{Data: dataBool}
	switch cobs := cobsVal.(type) {
	case string:
		if cobs != "*" {
			return Config{}, fmt.Errorf("tracking: cobs string value must be %q, got %q", "*", cobs)
		}
		cfg.Cobs = CobsPolicy{Wildcard: true}
	case map[string]any:
		types := make(map[string]TypePolicy, len(cobs))
		for typename, raw := range cobs {
			entry, ok := raw.(map[string]any)
			if !ok {
				return Config{}, fmt.Errorf("tracking: cobs[%q] must be an object", typename)
			}
			policyVal, _ := entry["policy"].(string)
			switch Policy(policyVal) {
			case PolicyAllow, PolicyDeny:
			default:
				return Config{}, fmt.Errorf("tracking: cobs[%q].policy must be %q or %q", typename, PolicyAllow, PolicyDeny)
			}
			tp := TypePolicy{Policy: Policy(policyVal)}
			switch pattern := entry["pattern"].(type) {
			case string:
				if pattern != "*" {
					return Config{}, fmt.Errorf("tracking: cobs[%q].pattern string must be %q", typename, "*")
				}
				tp.Wildcard = true
			case []any:
				ids := make([]string, 0, len(pattern))
				for _, idv := range pattern {
					id, ok := idv.(string)
					if !ok {
						return Config{}, fmt.Errorf("tracking: cobs[%q].pattern entries must be strings", typename)
					}
					ids = append(ids, id)
				}
				tp.Pattern = ids
			default:
				return Config{}, fmt.Errorf("tracking: cobs[%q].pattern must be %q or an array", typename, "*")
			}
			types[typename] = tp
		}
		cfg.Cobs = CobsPolicy{Types: types}
	default:
		return Config{}, fmt.Errorf("tracking: cobs must be %q or an object", "*")
	}

	return cfg, nil
}
