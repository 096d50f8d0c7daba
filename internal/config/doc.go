// Package config handles configuration loading for the whitenoise core.
//
// # Overview
//
// Configuration is loaded from a YAML file with environment variable
// expansion. The package provides validation and sensible defaults so a
// minimal file only needs to set database.path.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	database:
//	  path: "${WHITENOISE_DB_PATH}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	subscriptions:
//	  connect_timeout: "10s"
//	  giftwrap_since_buffer: "168h"
//
// # Configuration Sections
//
//	database:
//	  path: "/var/lib/whitenoise/core.db"
//
//	relays:
//	  default:
//	    - "wss://relay.damus.io"
//
//	subscriptions:
//	  event_queue_capacity: 500
//	  connect_timeout: "10s"
//	  giftwrap_since_buffer: "168h"
//
//	retry:
//	  max_attempts: 3
//	  initial_delay: "1s"
//	  backoff_factor: 2
//
//	aggregator:
//	  normalize_emoji: true
//	  enable_debug_logging: false
//
//	logging:
//	  level: "info"
//	  format: "text"
package config
