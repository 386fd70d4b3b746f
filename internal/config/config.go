package config

import (
	"time"
)

// Version defines the ChirpStack DHT22 Decoder version.
var Version string

// C holds the global configuration.
var C Config

// Config defines the configuration structure.
type Config struct {
	General struct {
		LogLevel    int  `mapstructure:"log_level"`
		LogToSyslog bool `mapstructure:"log_to_syslog"`
		LogJSON     bool `mapstructure:"log_json"`
	} `mapstructure:"general"`

	Decoder struct {
		Format         string            `mapstructure:"format"`
		FPort          uint32            `mapstructure:"f_port"`
		FormatPerFPort map[string]string `mapstructure:"format_per_f_port"`
	} `mapstructure:"decoder"`

	Redis struct {
		URL        string        `mapstructure:"url"` // deprecated
		Servers    []string      `mapstructure:"servers"`
		Cluster    bool          `mapstructure:"cluster"`
		MasterName string        `mapstructure:"master_name"`
		PoolSize   int           `mapstructure:"pool_size"`
		Password   string        `mapstructure:"password"`
		Database   int           `mapstructure:"database"`
		TLSEnabled bool          `mapstructure:"tls_enabled"`
		RecordTTL  time.Duration `mapstructure:"record_ttl"`
		LockTTL    time.Duration `mapstructure:"lock_ttl"`
	} `mapstructure:"redis"`

	PostgreSQL struct {
		DSN                string `mapstructure:"dsn"`
		Automigrate        bool   `mapstructure:"automigrate"`
		MaxOpenConnections int    `mapstructure:"max_open_connections"`
		MaxIdleConnections int    `mapstructure:"max_idle_connections"`

		MeasurementRetention time.Duration `mapstructure:"measurement_retention"`
	} `mapstructure:"postgresql"`

	Metrics struct {
		Timezone string `mapstructure:"timezone"`

		Redis struct {
			AggregationIntervals []string      `mapstructure:"aggregation_intervals"`
			MinuteAggregationTTL time.Duration `mapstructure:"minute_aggregation_ttl"`
			HourAggregationTTL   time.Duration `mapstructure:"hour_aggregation_ttl"`
			DayAggregationTTL    time.Duration `mapstructure:"day_aggregation_ttl"`
			MonthAggregationTTL  time.Duration `mapstructure:"month_aggregation_ttl"`
		} `mapstructure:"redis"`
	} `mapstructure:"metrics"`

	Integration struct {
		Type      string `mapstructure:"type"`
		Marshaler string `mapstructure:"marshaler"`

		MQTT struct {
			Server               string `mapstructure:"server"`
			Username             string `mapstructure:"username"`
			Password             string `mapstructure:"password"`
			QOS                  uint8  `mapstructure:"qos"`
			CleanSession         bool   `mapstructure:"clean_session"`
			ClientID             string `mapstructure:"client_id"`
			CACert               string `mapstructure:"ca_cert"`
			TLSCert              string `mapstructure:"tls_cert"`
			TLSKey               string `mapstructure:"tls_key"`
			EventTopic           string `mapstructure:"event_topic"`
			DecodedTopicTemplate string `mapstructure:"decoded_topic_template"`
			ErrorTopicTemplate   string `mapstructure:"error_topic_template"`

			MaxReconnectInterval time.Duration `mapstructure:"max_reconnect_interval"`
		} `mapstructure:"mqtt"`

		AMQP struct {
			URL                       string `mapstructure:"url"`
			EventQueueName            string `mapstructure:"event_queue_name"`
			EventRoutingKey           string `mapstructure:"event_routing_key"`
			DecodedRoutingKeyTemplate string `mapstructure:"decoded_routing_key_template"`
			ErrorRoutingKeyTemplate   string `mapstructure:"error_routing_key_template"`
			CACert                    string `mapstructure:"ca_cert"`
			TLSCert                   string `mapstructure:"tls_cert"`
			TLSKey                    string `mapstructure:"tls_key"`
		} `mapstructure:"amqp"`
	} `mapstructure:"integration"`

	Monitoring struct {
		Bind                string `mapstructure:"bind"`
		PrometheusEndpoint  bool   `mapstructure:"prometheus_endpoint"`
		HealthcheckEndpoint bool   `mapstructure:"healthcheck_endpoint"`
		DeviceAPI           bool   `mapstructure:"device_api"`
	} `mapstructure:"monitoring"`
}
