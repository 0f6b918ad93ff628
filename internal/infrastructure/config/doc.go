// Package config handles loading and validating fieldlink configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with FIELDLINK_* environment variables
//   - Validation of required fields and timing relationships
//   - Default value handling
//
// Security Considerations:
//   - Sensitive values (broker passwords, tokens) should be set via environment variables
//   - The config file should have restricted permissions (0600)
//   - The JWT secret has no default and must be provided
//
// Usage:
//
//	cfg, err := config.Load("configs/fieldlink.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Gateway.HeartbeatTimeout)
package config
