// Copyright 2025-2026 The roomsync Authors
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
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required,dive"`
}

// ===============================================================================
// Change Event Stream Related Config

// ChangeStreamConfig defines parameters for the booking / room change event channels
type ChangeStreamConfig struct {
	// BookingSubject is the subject carrying booking record change events
	BookingSubject string `mapstructure:"booking_subject" json:"booking_subject" validate:"required"`
	// RoomSubject is the subject carrying room record change events
	RoomSubject string `mapstructure:"room_subject" json:"room_subject" validate:"required"`
	// OpenSpacing is the minimum spacing between open attempts for one channel in seconds
	OpenSpacing int `mapstructure:"open_spacing_sec" json:"open_spacing_sec" validate:"gte=1"`
	// HandshakeTimeout is the max duration a channel may stay connecting in seconds
	HandshakeTimeout int `mapstructure:"handshake_timeout_sec" json:"handshake_timeout_sec" validate:"gte=1"`
}

// ===============================================================================
// Availability Sync Related Config

// SyncConfig defines parameters for the availability sync engine
type SyncConfig struct {
	// SubscriberBuffer is the buffered channel depth given to each feed subscriber
	SubscriberBuffer int `mapstructure:"subscriber_buffer" json:"subscriber_buffer" validate:"gte=1"`
}

// ===============================================================================
// Admin Alert Related Config

// AlertConfig defines parameters for the admin alert router
type AlertConfig struct {
	// ThrottleWindow is the rolling window for low priority alert throttling in seconds
	ThrottleWindow int `mapstructure:"throttle_window_sec" json:"throttle_window_sec" validate:"gte=1"`
	// SubscriberBuffer is the buffered channel depth given to each feed subscriber
	SubscriberBuffer int `mapstructure:"subscriber_buffer" json:"subscriber_buffer" validate:"gte=1"`
}

// ===============================================================================
// Health Monitor Related Config

// HealthConfig defines parameters for the health monitor and reconnector
type HealthConfig struct {
	// SampleInterval is the duration between health samples in seconds
	SampleInterval int `mapstructure:"sample_interval_sec" json:"sample_interval_sec" validate:"gte=1"`
	// RetryBudget is the max number of automatic reconnect attempts
	RetryBudget int `mapstructure:"retry_budget" json:"retry_budget" validate:"gte=0"`
	// BackoffInterval is the delay before a scheduled reconnect in seconds
	BackoffInterval int `mapstructure:"backoff_interval_sec" json:"backoff_interval_sec" validate:"gte=1"`
	// ExponentialBackoff doubles the backoff delay after each failed attempt when set
	ExponentialBackoff bool `mapstructure:"exponential_backoff" json:"exponential_backoff"`
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
	// StartOfRequestMessage is the message logged when a request is first received
	StartOfRequestMessage string `mapstructure:"start_of_request_message" json:"start_of_request_message"`
	// EndOfRequestMessage is the message logged after a request is completed
	EndOfRequestMessage string `mapstructure:"end_of_request_message" json:"end_of_request_message"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required,dive"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required,dive"`
}

// ===============================================================================
// API Server Related Config

// APIEndpointConfig defines API endpoint config
type APIEndpointConfig struct {
	// PathPrefix is the end-point path prefix for the APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// APIServerConfig defines configuration for the API server
type APIServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters for the API server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// Endpoints is the API endpoint config parameters for the API server
	Endpoints APIEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required,dive"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config for the roomsync server
type SystemConfig struct {
	// NATS are the NATS related config parameters
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required,dive"`
	// ChangeStream are the change event channel config parameters
	ChangeStream ChangeStreamConfig `mapstructure:"change_stream" json:"change_stream" validate:"required,dive"`
	// Sync are the availability sync engine config parameters
	Sync SyncConfig `mapstructure:"sync" json:"sync" validate:"required,dive"`
	// Alerts are the admin alert router config parameters
	Alerts AlertConfig `mapstructure:"alerts" json:"alerts" validate:"required,dive"`
	// Health are the health monitor config parameters
	Health HealthConfig `mapstructure:"health" json:"health" validate:"required,dive"`
	// API are the API server configs
	API APIServerConfig `mapstructure:"api" json:"api" validate:"required,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default NATS settings
	viper.SetDefault("nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("nats.connect_timeout_sec", 30)
	viper.SetDefault("nats.reconnect.max_attempts", -1)
	viper.SetDefault("nats.reconnect.wait_interval_sec", 15)

	// Default change event channel settings
	viper.SetDefault("change_stream.booking_subject", "room.change.bookings")
	viper.SetDefault("change_stream.room_subject", "room.change.rooms")
	viper.SetDefault("change_stream.open_spacing_sec", 1)
	viper.SetDefault("change_stream.handshake_timeout_sec", 10)

	// Default availability sync settings
	viper.SetDefault("sync.subscriber_buffer", 64)

	// Default admin alert settings
	viper.SetDefault("alerts.throttle_window_sec", 5)
	viper.SetDefault("alerts.subscriber_buffer", 32)

	// Default health monitor settings
	viper.SetDefault("health.sample_interval_sec", 30)
	viper.SetDefault("health.retry_budget", 5)
	viper.SetDefault("health.backoff_interval_sec", 2)
	viper.SetDefault("health.exponential_backoff", false)

	// Default API server settings
	viper.SetDefault("api.endpoint_config.path_prefix", "/")
	viper.SetDefault("api.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("api.api_server.server_config.listen_port", 3000)
	viper.SetDefault("api.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("api.api_server.server_config.write_timeout_sec", 60)
	viper.SetDefault("api.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"api.api_server.logging_config.request_id_header", "Roomsync-Request-ID",
	)
	viper.SetDefault(
		"api.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
	viper.SetDefault(
		"api.api_server.logging_config.start_of_request_message", "Request Start",
	)
	viper.SetDefault(
		"api.api_server.logging_config.end_of_request_message", "Request Complete",
	)
}
