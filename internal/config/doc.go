// Package config loads the relay's YAML configuration over built-in
// defaults, applies environment overrides (PORT and secrets) and validates
// every section.
package config
