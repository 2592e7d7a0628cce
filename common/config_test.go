package common

import (
	"bytes"
	"testing"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestViperConfigParsing(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	validate := validator.New()

	// Case 0: parse config with no defaults in place
	{
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 1: load the configs
	{
		var cfg SystemConfig
		InstallDefaultConfigValues()
		assert.Nil(viper.Unmarshal(&cfg))
		assert.Nil(validate.Struct(&cfg))
		assert.Equal(10000, cfg.Heartbeat.IntervalMs)
		assert.Equal(256, cfg.Websocket.OutboundQueueSize)
		assert.Equal(5000, cfg.Orders.PushTimeout)
		assert.Equal([]string{"reits/"}, cfg.Broker.MarketTopicPrefixes)
		assert.Equal("reits.ticks.>", cfg.Ingest.NATS.Subject)
		assert.Equal(LogLevelInfo, cfg.API.CallLogging.Level)
	}

	// Case 2: invalid config
	{
		config := []byte(`---
http:
  server_config:
    listen_on: 1243`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 3: invalid config
	{
		config := []byte(`---
heartbeat:
  interval_ms: 10`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 4: invalid call log level
	{
		config := []byte(`---
api:
  call_logging:
    level: trace`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 5: valid override
	{
		config := []byte(`---
heartbeat:
  interval_ms: 2500
websocket:
  allowed_origins:
    - https://app.example.com`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.Nil(validate.Struct(&cfg))
		assert.Equal(2500, cfg.Heartbeat.IntervalMs)
		assert.Equal([]string{"https://app.example.com"}, cfg.Websocket.AllowedOrigins)
	}
}
