// Package config provides configuration management for the realtime client.
//
// Configuration is loaded from environment variables using the env package,
// after applying an optional .env file. All values have defaults suitable
// for a compute server running on localhost.
//
// Example usage:
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	fmt.Printf("realtime endpoint: %s\n", cfg.RealtimeURL())
package config
