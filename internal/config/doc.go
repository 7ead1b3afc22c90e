// Package config defines and loads all application configuration.
// Values come from defaults, an optional YAML file, and environment
// variables with the TASKGRID_ prefix, in increasing precedence, and
// are validated before use.
package config
