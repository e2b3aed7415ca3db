package transform

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/driftsync/driftsync/cfg"
)

// ErrData marks conversion failures that no retry can fix. The engine
// records them in the error log instead of retrying.
var ErrData = errors.New("data error")

// Convert applies a named converter to a field value
func Convert(value interface{}, converter string, params map[string]interface{}) (interface{}, error) {
	switch converter {
	case cfg.ConverterLowercase:
		if s, ok := asString(value); ok {
			return strings.ToLower(s), nil
		}
		return value, nil

	case cfg.ConverterUppercase:
		if s, ok := asString(value); ok {
			return strings.ToUpper(s), nil
		}
		return value, nil

	case cfg.ConverterTrim:
		if s, ok := asString(value); ok {
			return strings.TrimSpace(s), nil
		}
		return value, nil

	case cfg.ConverterDefault:
		if value == nil || value == "" {
			return params["value"], nil
		}
		return value, nil

	case cfg.ConverterTypecast:
		targetType, _ := params["target_type"].(string)
		return typecast(value, targetType)

	default:
		return nil, fmt.Errorf("unknown converter %q", converter)
	}
}

func asString(value interface{}) (string, bool) {
	switch v := value.(type) {
	case string:
		return v, true
	case []byte:
		return string(v), true
	default:
		return "", false
	}
}

func typecast(value interface{}, targetType string) (interface{}, error) {
	if value == nil {
		return nil, nil
	}

	switch targetType {
	case "int":
		switch v := value.(type) {
		case int64:
			return v, nil
		case int:
			return int64(v), nil
		case float64:
			return int64(v), nil
		case bool:
			if v {
				return int64(1), nil
			}
			return int64(0), nil
		case string:
			parsed, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: cannot cast %q to int", ErrData, v)
			}
			return parsed, nil
		}

	case "float":
		switch v := value.(type) {
		case float64:
			return v, nil
		case int64:
			return float64(v), nil
		case int:
			return float64(v), nil
		case string:
			parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return nil, fmt.Errorf("%w: cannot cast %q to float", ErrData, v)
			}
			return parsed, nil
		}

	case "str":
		switch v := value.(type) {
		case string:
			return v, nil
		case []byte:
			return string(v), nil
		case int64:
			return strconv.FormatInt(v, 10), nil
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64), nil
		case bool:
			return strconv.FormatBool(v), nil
		default:
			return fmt.Sprint(v), nil
		}

	case "bool":
		switch v := value.(type) {
		case bool:
			return v, nil
		case int64:
			return v != 0, nil
		case float64:
			return v != 0, nil
		case string:
			parsed, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return nil, fmt.Errorf("%w: cannot cast %q to bool", ErrData, v)
			}
			return parsed, nil
		}

	default:
		return nil, fmt.Errorf("%w: unknown typecast target %q", ErrData, targetType)
	}

	return nil, fmt.Errorf("%w: cannot cast %T to %s", ErrData, value, targetType)
}
