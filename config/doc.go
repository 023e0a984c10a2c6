// Package config provides configuration loading and validation for the
// gateway.
//
// It uses Viper to load configuration from YAML files and environment
// variables, with .env support via godotenv. Struct tag validation uses
// the validator library.
//
// # Usage
//
//	var cfg MyConfig
//	err := config.Load("conngate", &cfg)
//
// Environment variables override file values; CONNGATE_POOL_MAX_SIZE
// maps onto the nested pool.max_size key.
package config
