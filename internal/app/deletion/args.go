package deletion

import (
	"encoding/json"
	"fmt"
)

// Task args cross the queue as generic JSON-like values, so numbers may
// arrive as float64 and lists as []any.

func int64Arg(args map[string]any, key string) (int64, error) {
	switch v := args[key].(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case float64:
		return int64(v), nil
	case json.Number:
		return v.Int64()
	default:
		return 0, fmt.Errorf("task arg %s: unexpected type %T", key, v)
	}
}

func stringsArg(args map[string]any, key string) ([]string, error) {
	switch v := args[key].(type) {
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("task arg %s: unexpected element %T", key, e)
			}
			out = append(out, s)
		}
		return out, nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("task arg %s: unexpected type %T", key, v)
	}
}
