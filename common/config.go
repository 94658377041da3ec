// Copyright 2022 The livequery Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import "github.com/spf13/viper"

// ===============================================================================
// NATS Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSConfig defines parameters for connecting to NATS server
type NATSConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required"`
}

// ===============================================================================
// Redis Related Config

// RedisConfig defines parameters for connecting to a Redis server
type RedisConfig struct {
	// ServerAddr is the Redis server address as "host:port"
	ServerAddr string `mapstructure:"server_addr" json:"server_addr" validate:"required,hostname_port"`
	// Username is the optional ACL user name
	Username string `mapstructure:"username" json:"username,omitempty"`
	// Password is the optional password
	Password string `mapstructure:"password" json:"-"`
	// DB is the Redis logical database to select
	DB int `mapstructure:"db" json:"db" validate:"gte=0"`
	// DialTimeout is the max duration for connecting to Redis server in seconds
	DialTimeout int `mapstructure:"dial_timeout_sec" json:"dial_timeout_sec" validate:"gte=1"`
}

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
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required"`
}

// ===============================================================================
// Live Query Server Related Config

// WebSocketConfig defines the websocket transport parameters
type WebSocketConfig struct {
	// Path is the HTTP path clients connect to for the websocket upgrade
	Path string `mapstructure:"path" json:"path" validate:"required,startswith=/"`
	// PingInterval is the keep-alive ping interval in seconds
	PingInterval int `mapstructure:"ping_interval_sec" json:"ping_interval_sec" validate:"gte=1"`
	// WriteTimeout is the max duration for writing one frame in seconds
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=1"`
	// MaxMessageSize is the max size of one inbound message in bytes
	MaxMessageSize int64 `mapstructure:"max_message_bytes" json:"max_message_bytes" validate:"gte=1"`
	// SendBuffer is the number of outbound frames which can be queued per connection
	SendBuffer int `mapstructure:"send_buffer" json:"send_buffer" validate:"gte=1"`
}

// AuthCacheConfig defines the session token resolution cache parameters
type AuthCacheConfig struct {
	// TTL is how long a resolved session token remains cached in seconds
	TTL int `mapstructure:"ttl_sec" json:"ttl_sec" validate:"gte=1"`
	// MaxEntries is the max number of cached session tokens
	MaxEntries int `mapstructure:"max_entries" json:"max_entries" validate:"gte=1"`
	// SweepInterval is the interval between expired entry sweeps in seconds
	SweepInterval int `mapstructure:"sweep_interval_sec" json:"sweep_interval_sec" validate:"gte=1"`
}

// PubSubConfig defines which publish / subscribe backbone carries change events
type PubSubConfig struct {
	// Backend is the pub/sub backend: nats, redis, or local
	Backend string `mapstructure:"backend" json:"backend" validate:"required,oneof=nats redis local"`
}

// IdentityConfig defines how session tokens are resolved to users
type IdentityConfig struct {
	// Backend is the identity store backend: redis or static
	Backend string `mapstructure:"backend" json:"backend" validate:"required,oneof=redis static"`
	// KeyPrefix is the key prefix used by the redis identity store
	KeyPrefix string `mapstructure:"key_prefix" json:"key_prefix"`
}

// LiveQueryConfig defines the live query engine parameters
type LiveQueryConfig struct {
	// AppID is the application ID. Change event channels are prefixed with it.
	AppID string `mapstructure:"app_id" json:"app_id" validate:"required"`
	// KeyPairs are the shared secrets a client must present one of when connecting.
	// No key pairs means any client is accepted.
	KeyPairs map[string]string `mapstructure:"key_pairs" json:"-"`
	// MasterKey is the secret granting elevated privilege to a connection
	MasterKey string `mapstructure:"master_key" json:"-"`
	// EventBuffer is the number of change events which can be queued for processing
	EventBuffer int `mapstructure:"event_buffer" json:"event_buffer" validate:"gte=1"`
	// DeliveryBuffer is the number of notifications which can be queued per client
	DeliveryBuffer int `mapstructure:"delivery_buffer" json:"delivery_buffer" validate:"gte=1"`
	// WebSocket defines the websocket transport parameters
	WebSocket WebSocketConfig `mapstructure:"websocket" json:"websocket" validate:"required"`
	// AuthCache defines the session token resolution cache parameters
	AuthCache AuthCacheConfig `mapstructure:"auth_cache" json:"auth_cache" validate:"required"`
	// PubSub defines the change event backbone
	PubSub PubSubConfig `mapstructure:"pubsub" json:"pubsub" validate:"required"`
	// Identity defines the session token resolution backend
	Identity IdentityConfig `mapstructure:"identity" json:"identity" validate:"required"`
}

// LiveQueryServerConfig defines configuration for the live query server
type LiveQueryServerConfig struct {
	// HTTPSetting is the HTTP server parameters
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required"`
	// AdminPathPrefix is the end-point path prefix for the admin APIs
	AdminPathPrefix string `mapstructure:"admin_path_prefix" json:"admin_path_prefix" validate:"required"`
	// LiveQuery is the engine parameters
	LiveQuery LiveQueryConfig `mapstructure:"live_query" json:"live_query" validate:"required"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config
type SystemConfig struct {
	// NATS are the NATS related config parameters
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required"`
	// Redis are the Redis related config parameters
	Redis RedisConfig `mapstructure:"redis" json:"redis" validate:"required"`
	// Server are the live query server configs
	Server *LiveQueryServerConfig `mapstructure:"server,omitempty" json:"server,omitempty" validate:"omitempty"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default NATS settings
	viper.SetDefault("nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("nats.connect_timeout_sec", 30)
	viper.SetDefault("nats.reconnect.max_attempts", -1)
	viper.SetDefault("nats.reconnect.wait_interval_sec", 15)

	// Default Redis settings
	viper.SetDefault("redis.server_addr", "127.0.0.1:6379")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.dial_timeout_sec", 5)

	// Default live query server settings
	viper.SetDefault("server.admin_path_prefix", "/")
	viper.SetDefault("server.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("server.api_server.server_config.listen_port", 1337)
	viper.SetDefault("server.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("server.api_server.server_config.write_timeout_sec", 60)
	viper.SetDefault("server.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"server.api_server.logging_config.request_id_header", "Livequery-Request-ID",
	)
	viper.SetDefault(
		"server.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
	viper.SetDefault("server.live_query.app_id", "livequery")
	viper.SetDefault("server.live_query.event_buffer", 1024)
	viper.SetDefault("server.live_query.delivery_buffer", 256)
	viper.SetDefault("server.live_query.websocket.path", "/v1/livequery")
	viper.SetDefault("server.live_query.websocket.ping_interval_sec", 10)
	viper.SetDefault("server.live_query.websocket.write_timeout_sec", 10)
	viper.SetDefault("server.live_query.websocket.max_message_bytes", 1048576)
	viper.SetDefault("server.live_query.websocket.send_buffer", 256)
	viper.SetDefault("server.live_query.auth_cache.ttl_sec", 5)
	viper.SetDefault("server.live_query.auth_cache.max_entries", 500)
	viper.SetDefault("server.live_query.auth_cache.sweep_interval_sec", 30)
	viper.SetDefault("server.live_query.pubsub.backend", "local")
	viper.SetDefault("server.live_query.identity.backend", "static")
	viper.SetDefault("server.live_query.identity.key_prefix", "livequery")
}
