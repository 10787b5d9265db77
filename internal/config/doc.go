// Package config loads the YAML configuration of the aahbd daemon, applies
// defaults and environment overrides, and validates driver selections.
package config
