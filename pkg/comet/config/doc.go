// Package config decodes per-source timing settings.
//
// Settings live under the "sources" key of a YAML or JSON document, or
// of the map viper builds from the daemon's layered configuration:
//
//	sources:
//	  forseti:
//	    wait_for_more: 2m
//	    escalate_after: 24h
//	  detectify:
//	    escalate_after: 86400   # seconds
//
// Durations are Go duration strings or numbers of seconds.
package config
