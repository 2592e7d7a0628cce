package common

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/apex/log"
)

// CallLogConfig controls how WrapCall logs a wrapped call
type CallLogConfig struct {
	// Level is the level successful calls are logged at
	Level LogLevel `mapstructure:"level" json:"level" validate:"required,oneof=debug info warn error"`
	// IncludeParams whether to log the call parameters
	IncludeParams bool `mapstructure:"include_params" json:"include_params"`
	// IncludeResult whether to log the call result
	IncludeResult bool `mapstructure:"include_result" json:"include_result"`
	// MaskSensitive whether to mask SensitiveFields in logged parameters and results
	MaskSensitive bool `mapstructure:"mask_sensitive" json:"mask_sensitive"`
	// SensitiveFields JSON keys (case-insensitive) whose values are masked
	SensitiveFields []string `mapstructure:"sensitive_fields" json:"sensitive_fields"`
}

// CallFunc a call which can be wrapped by WrapCall
type CallFunc[P any, R any] func(ctxt context.Context, param P) (R, error)

const maskedValue = "******"

// WrapCall wrap a call with logging of its parameters, result, duration, and failure
// according to the logging config.
func WrapCall[P any, R any](
	name string, config CallLogConfig, logTags log.Fields, call CallFunc[P, R],
) CallFunc[P, R] {
	sensitive := map[string]bool{}
	for _, field := range config.SensitiveFields {
		sensitive[strings.ToLower(field)] = true
	}
	return func(ctxt context.Context, param P) (R, error) {
		fields := log.Fields{}
		for k, v := range logTags {
			fields[k] = v
		}
		fields["call"] = name
		if config.IncludeParams {
			fields["params"] = renderForLog(param, config.MaskSensitive, sensitive)
		}
		start := time.Now()
		result, err := call(ctxt, param)
		fields["duration"] = time.Since(start).String()
		if err != nil {
			log.WithError(err).WithFields(fields).Error("Call failed")
			return result, err
		}
		if config.IncludeResult {
			fields["result"] = renderForLog(result, config.MaskSensitive, sensitive)
		}
		LogAt(config.Level, log.WithFields(fields), "Call complete")
		return result, nil
	}
}

// renderForLog serialize a value for logging with sensitive fields replaced
func renderForLog(value interface{}, mask bool, sensitive map[string]bool) string {
	raw, err := json.Marshal(value)
	if err != nil {
		return "<unrenderable>"
	}
	if !mask || len(sensitive) == 0 {
		return string(raw)
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "<unrenderable>"
	}
	masked, err := json.Marshal(MaskFields(generic, sensitive))
	if err != nil {
		return "<unrenderable>"
	}
	return string(masked)
}

// MaskFields replace the values of sensitive keys within a decoded JSON document
func MaskFields(value interface{}, sensitive map[string]bool) interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		for key, child := range v {
			if sensitive[strings.ToLower(key)] {
				v[key] = maskedValue
			} else {
				v[key] = MaskFields(child, sensitive)
			}
		}
		return v
	case []interface{}:
		for idx, child := range v {
			v[idx] = MaskFields(child, sensitive)
		}
		return v
	default:
		return v
	}
}
