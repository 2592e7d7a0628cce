package common

import "github.com/spf13/viper"

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config"`
}

// ===============================================================================
// Websocket Related Config

// WebsocketConfig defines parameters shared by all websocket endpoints
type WebsocketConfig struct {
	// AllowedOrigins lists the accepted Origin header values. "*" accepts any origin.
	AllowedOrigins []string `mapstructure:"allowed_origins" json:"allowed_origins" validate:"required,min=1"`
	// ReadBufferSize is the websocket read buffer size in bytes
	ReadBufferSize int `mapstructure:"read_buffer_size" json:"read_buffer_size" validate:"gte=1024"`
	// WriteBufferSize is the websocket write buffer size in bytes
	WriteBufferSize int `mapstructure:"write_buffer_size" json:"write_buffer_size" validate:"gte=1024"`
	// MaxInboundMessageSize is the largest accepted inbound message in bytes
	MaxInboundMessageSize int64 `mapstructure:"max_inbound_message_size" json:"max_inbound_message_size" validate:"gte=512"`
	// WriteTimeout is the deadline for a single websocket write in ms
	WriteTimeout int `mapstructure:"write_timeout_ms" json:"write_timeout_ms" validate:"gte=10"`
	// HandshakeTimeout is how long a new connection has to complete the protocol handshake in ms
	HandshakeTimeout int `mapstructure:"handshake_timeout_ms" json:"handshake_timeout_ms" validate:"gte=10"`
	// OutboundQueueSize is the per session outbound message queue length
	OutboundQueueSize int `mapstructure:"outbound_queue_size" json:"outbound_queue_size" validate:"gte=1"`
}

// StompEndpointConfig defines the broker-framed (STOMP) endpoint
type StompEndpointConfig struct {
	// Path is the URL path of the endpoint
	Path string `mapstructure:"path" json:"path" validate:"required"`
	// InboundRatePerSec is the max sustained inbound frame rate per session
	InboundRatePerSec float64 `mapstructure:"inbound_rate_per_sec" json:"inbound_rate_per_sec" validate:"gt=0"`
	// InboundBurst is the inbound frame burst allowance per session
	InboundBurst int `mapstructure:"inbound_burst" json:"inbound_burst" validate:"gte=1"`
}

// OrderEndpointConfig defines the native order event endpoint
type OrderEndpointConfig struct {
	// Path is the URL path of the endpoint
	Path string `mapstructure:"path" json:"path" validate:"required"`
	// PushTimeout is how long an order event push may wait on one session in ms
	PushTimeout int `mapstructure:"push_timeout_ms" json:"push_timeout_ms" validate:"gte=1"`
}

// ===============================================================================
// Core Component Config

// BrokerConfig defines the topic broker parameters
type BrokerConfig struct {
	// Workers is the number of parallel publish workers
	Workers int `mapstructure:"workers" json:"workers" validate:"gte=1"`
	// WorkerQueueSize is the task queue length of each publish worker
	WorkerQueueSize int `mapstructure:"worker_queue_size" json:"worker_queue_size" validate:"gte=1"`
	// MarketTopicPrefixes lists topic prefixes delivered with latest-value-wins policy
	MarketTopicPrefixes []string `mapstructure:"market_topic_prefixes" json:"market_topic_prefixes"`
}

// HeartbeatConfig defines the heartbeat monitor parameters
type HeartbeatConfig struct {
	// IntervalMs is the heartbeat interval in ms, applied in both directions
	IntervalMs int `mapstructure:"interval_ms" json:"interval_ms" validate:"gte=100"`
}

// AuthConfig defines handshake token verification parameters
type AuthConfig struct {
	// JWTSecret is the HMAC secret used to verify access tokens
	JWTSecret string `mapstructure:"jwt_secret" json:"-"`
	// TokenCacheSize is the number of verified tokens to cache
	TokenCacheSize int `mapstructure:"token_cache_size" json:"token_cache_size" validate:"gte=1"`
}

// ===============================================================================
// Ingest Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSConfig defines parameters for connecting to NATS server
type NATSConfig struct {
	// Enabled whether the NATS tick source is active
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect"`
	// Subject is the subject price ticks are received on
	Subject string `mapstructure:"subject" json:"subject" validate:"required"`
}

// RedisConfig defines parameters for the Redis pub/sub tick source
type RedisConfig struct {
	// Enabled whether the Redis tick source is active
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// Addr is the Redis server host:port
	Addr string `mapstructure:"addr" json:"addr" validate:"required,hostname_port"`
	// Password is the Redis AUTH password
	Password string `mapstructure:"password" json:"-"`
	// DB is the Redis database index
	DB int `mapstructure:"db" json:"db" validate:"gte=0"`
	// Channel is the channel pattern price ticks are published on
	Channel string `mapstructure:"channel" json:"channel" validate:"required"`
}

// IngestConfig defines market data ingestion parameters
type IngestConfig struct {
	// TopicPrefix is prepended to the product ID to form the publish topic
	TopicPrefix string `mapstructure:"topic_prefix" json:"topic_prefix" validate:"required"`
	// NATS is the NATS tick source
	NATS NATSConfig `mapstructure:"nats" json:"nats"`
	// Redis is the Redis tick source
	Redis RedisConfig `mapstructure:"redis" json:"redis"`
}

// ===============================================================================
// API Related Config

// APIConfig defines the REST API parameters
type APIConfig struct {
	// PathPrefix is the end-point path prefix for the REST APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
	// CallLogging defines how REST initiated publish and push calls are logged
	CallLogging CallLogConfig `mapstructure:"call_logging" json:"call_logging"`
}

// MetricsConfig defines the metrics endpoint parameters
type MetricsConfig struct {
	// Enabled whether to expose the metrics endpoint
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// Path is the metrics endpoint URL path
	Path string `mapstructure:"path" json:"path" validate:"required"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config
type SystemConfig struct {
	// HTTP is the HTTP server settings
	HTTP HTTPConfig `mapstructure:"http" json:"http"`
	// Websocket is the shared websocket settings
	Websocket WebsocketConfig `mapstructure:"websocket" json:"websocket"`
	// Stomp is the broker-framed endpoint settings
	Stomp StompEndpointConfig `mapstructure:"stomp" json:"stomp"`
	// Orders is the order event endpoint settings
	Orders OrderEndpointConfig `mapstructure:"orders" json:"orders"`
	// Broker is the topic broker settings
	Broker BrokerConfig `mapstructure:"broker" json:"broker"`
	// Heartbeat is the heartbeat monitor settings
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat" json:"heartbeat"`
	// Auth is the handshake authentication settings
	Auth AuthConfig `mapstructure:"auth" json:"auth"`
	// Ingest is the market data ingestion settings
	Ingest IngestConfig `mapstructure:"ingest" json:"ingest"`
	// API is the REST API settings
	API APIConfig `mapstructure:"api" json:"api"`
	// Metrics is the metrics endpoint settings
	Metrics MetricsConfig `mapstructure:"metrics" json:"metrics"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default HTTP server settings
	viper.SetDefault("http.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("http.server_config.listen_port", 8080)
	viper.SetDefault("http.server_config.read_timeout_sec", 60)
	viper.SetDefault("http.server_config.write_timeout_sec", 60)
	viper.SetDefault("http.server_config.idle_timeout_sec", 600)
	viper.SetDefault("http.logging_config.request_id_header", "Pushgate-Request-ID")
	viper.SetDefault(
		"http.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)

	// Default websocket settings
	viper.SetDefault("websocket.allowed_origins", []string{"*"})
	viper.SetDefault("websocket.read_buffer_size", 4096)
	viper.SetDefault("websocket.write_buffer_size", 4096)
	viper.SetDefault("websocket.max_inbound_message_size", 65536)
	viper.SetDefault("websocket.write_timeout_ms", 10000)
	viper.SetDefault("websocket.handshake_timeout_ms", 10000)
	viper.SetDefault("websocket.outbound_queue_size", 256)

	viper.SetDefault("stomp.path", "/ws/stomp")
	viper.SetDefault("stomp.inbound_rate_per_sec", 50.0)
	viper.SetDefault("stomp.inbound_burst", 100)

	viper.SetDefault("orders.path", "/ws/orders")
	viper.SetDefault("orders.push_timeout_ms", 5000)

	// Default core component settings
	viper.SetDefault("broker.workers", 8)
	viper.SetDefault("broker.worker_queue_size", 1024)
	viper.SetDefault("broker.market_topic_prefixes", []string{"reits/"})
	viper.SetDefault("heartbeat.interval_ms", 10000)
	viper.SetDefault("auth.jwt_secret", "")
	viper.SetDefault("auth.token_cache_size", 4096)

	// Default ingest settings
	viper.SetDefault("ingest.topic_prefix", "reits/")
	viper.SetDefault("ingest.nats.enabled", false)
	viper.SetDefault("ingest.nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("ingest.nats.connect_timeout_sec", 30)
	viper.SetDefault("ingest.nats.reconnect.max_attempts", -1)
	viper.SetDefault("ingest.nats.reconnect.wait_interval_sec", 15)
	viper.SetDefault("ingest.nats.subject", "reits.ticks.>")
	viper.SetDefault("ingest.redis.enabled", false)
	viper.SetDefault("ingest.redis.addr", "127.0.0.1:6379")
	viper.SetDefault("ingest.redis.password", "")
	viper.SetDefault("ingest.redis.db", 0)
	viper.SetDefault("ingest.redis.channel", "reits:ticks:*")

	// Default REST API settings
	viper.SetDefault("api.path_prefix", "/")
	viper.SetDefault("api.call_logging.level", "info")
	viper.SetDefault("api.call_logging.include_params", true)
	viper.SetDefault("api.call_logging.include_result", false)
	viper.SetDefault("api.call_logging.mask_sensitive", true)
	viper.SetDefault("api.call_logging.sensitive_fields", []string{"password", "token", "secret"})

	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.path", "/metrics")
}
