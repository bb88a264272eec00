// Package config provides layered JSON configuration for the FloorLink
// server: compiled-in defaults, one or more config file layers, then
// FLOORLINK_* environment overrides, with validation on top.
//
// Typical usage:
//
//	loader := config.NewLoader()
//	loader.AddLayer("/etc/floorlink/config.json")
//	loader.EnableValidation(true)
//	cfg, err := loader.Load()
//
// Durations in config files are written as Go duration strings ("5m",
// "60s"). Secrets (broker password, database DSN) are normally supplied
// through the environment rather than the file.
package config
