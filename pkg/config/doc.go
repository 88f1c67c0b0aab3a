// Package config loads the YAML server configuration and converts it
// into the option structs the engine and hub consume. Unset fields
// take documented defaults, so a minimal config file only names what
// it changes.
package config
