// Package config loads the YAML configuration shared by the wasmload
// command and embedders: logging settings and a loader.Config.
//
//	log:
//	  level: debug
//	  format: json
//	loader:
//	  cache_size: 32
//	  wasi: true
//	  exports:
//	    require: [memory, alloc]
package config
