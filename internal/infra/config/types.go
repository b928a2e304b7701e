package config

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Environment tags logs and the telemetry resource with the deployment the streamer
// reports for.
type Environment string

const (
	EnvDev     Environment = "dev"
	EnvStaging Environment = "staging"
	EnvProd    Environment = "prod"
)

// parseEnvironment accepts any casing. An empty value selects EnvDev.
func parseEnvironment(raw string) Environment {
	env := Environment(strings.ToLower(strings.TrimSpace(raw)))
	if env == "" {
		return EnvDev
	}
	return env
}

func (e Environment) Valid() bool {
	return e == EnvDev || e == EnvStaging || e == EnvProd
}

// exchangeKey is the adapter registry key for a configured exchange.
func exchangeKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// streamName canonicalises a stream name so "GateBooks" and "gateBooks" count as the
// same stream. Names containing a separator are lower-cased outright and all-caps
// names are left alone.
func streamName(name string) string {
	name = strings.TrimSpace(name)
	switch {
	case name == "":
		return ""
	case strings.ContainsAny(name, "-_/"):
		return strings.ToLower(name)
	case strings.ToUpper(name) == name:
		return name
	}
	first, size := utf8.DecodeRuneInString(name)
	return string(unicode.ToLower(first)) + name[size:]
}
