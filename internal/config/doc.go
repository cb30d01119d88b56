// Package config handles YAML configuration loading with environment variable substitution.
//
// Configuration files support ${VAR} syntax for environment variable interpolation.
// Every section except instance.id is optional; omitted values take the
// defaults in defaults.go. The database section is only required when the
// trade recorder is wanted.
package config
