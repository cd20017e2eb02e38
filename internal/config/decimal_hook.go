package config

import (
	"reflect"

	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
)

// decimalDecodeHook lets mapstructure decode string and numeric config
// values into decimal.Decimal fields.
func decimalDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(decimal.Decimal{}) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return decimal.NewFromString(v)
		case float64:
			return decimal.NewFromFloat(v), nil
		case int:
			return decimal.NewFromInt(int64(v)), nil
		case int64:
			return decimal.NewFromInt(v), nil
		default:
			return data, nil
		}
	}
}
