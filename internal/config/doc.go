// Package config loads the service configuration from an optional YAML file,
// a dotenv file and GONK_ prefixed environment variables, and validates it
// before any component starts.
package config
