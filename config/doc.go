// Package config provides application configuration management.
//
// The config package loads the orchestrator's settings from an optional YAML
// file with environment overrides (SANDBOXD_<SECTION>_<KEY>) and validates
// them. It covers the MCP and HTTP front ends, sandbox resource quotas, queue
// ceilings, the orphan reaper, result delivery and language profiles.
//
// Usage:
//
//	cfg, err := config.Load("/etc/sandboxd/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Default timeout: %s\n", cfg.Sandbox.DefaultTimeout)
package config
