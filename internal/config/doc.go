// Package config handles harvest-ctl configuration: the TOML operator
// config, timer tuning, the prebuild repository set, state directory
// layout, and input validation. All timer magnitudes are configuration
// inputs with defaults; nothing in the orchestration core hard-codes them.
package config
