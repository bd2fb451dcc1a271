/*
Package config loads orchestrator configuration.

Precedence, lowest to highest: compiled-in defaults, an optional YAML file
named by WHIM_CONFIG, then WHIM_* environment variables. Load validates the
result; an invalid configuration fails startup rather than surfacing later
inside a scheduler tick.
*/
package config
