// Package config provides centralized configuration management for the
// AgentHive runtime. Configuration is read from a JSON file with sane
// defaults applied; secrets such as API keys and surface credentials are
// referenced by environment variable name and never stored in the file.
package config
