// Package config handles configuration loading for coven-relay.
//
// # Overview
//
// Configuration is loaded from a YAML file, or a TOML file when the path ends
// in .toml, with environment variable expansion, defaults and validation.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COVEN_RELAY_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/relay.yaml
//  3. ~/.config/coven/relay.yaml
//
// # Environment Variable Expansion
//
//	matrix:
//	  access_token: "${COVEN_MATRIX_TOKEN}"
//
// # Durations
//
// Duration values use Go's time.ParseDuration syntax:
//
//	backend:
//	  timeout: "10m"
//	  kill_grace: "5s"
//	sessions:
//	  stale_after: "12h"   # "0s" disables staleness rotation
//	delivery:
//	  edit_interval: "1500ms"
//	  keepalive_interval: "20s"
//
// # Sections
//
//	matrix:     homeserver, credentials, allow lists, command prefix, E2EE recovery key
//	backend:    inference command, model, identity prompt, tool-bridge config, timeouts
//	queue:      max_depth per conversation
//	sessions:   stale_after
//	delivery:   edit pacing, keep-alive pacing, max_message_length
//	usage:      accounting endpoint, token, store_local
//	database:   path of the SQLite file
//	logging:    level, format (text/json), optional rotating file
//	metrics:    Prometheus endpoint
package config
