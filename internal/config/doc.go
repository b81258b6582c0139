// Package config loads node configuration with viper.
//
// Values come from, in increasing precedence, the defaults in Default, an
// optional YAML file, TESSERA_* environment variables and command line
// flags bound by the binaries. Keys are nested with dots in YAML and with
// underscores in the environment:
//
//	timing:
//	  grace: 30s        # TESSERA_TIMING_GRACE=30s
//
// A Server hands each cluster process its settings through the same
// environment variables (see Config.WorkerEnv), so cluster binaries load
// their configuration exactly like the other tiers.
package config
