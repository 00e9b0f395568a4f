// Package config provides configuration loading and validation for the
// SSE relay service. It handles YAML-based configuration with struct
// validation; omitted keys keep their documented defaults.
package config
