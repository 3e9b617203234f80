// Package configs provides the embedded default configuration for ragserve.
//
// The default config is embedded at build time using Go's //go:embed directive,
// so it is available in ALL distributions:
//   - Source builds (go install)
//   - Binary releases
//   - Container images
//
// It is used by:
//   - cmd/ragserve/cmd/config.go → `ragserve config init` writes it to disk
//   - cmd/ragserve/cmd/config.go → `ragserve config show --defaults` prints it
//
// Configuration hierarchy (see internal/config/config.go Load()):
//  1. Hardcoded defaults (internal/config/config.go NewConfig())
//  2. User config (~/.config/ragserve/config.yaml)
//  3. Service config (ragserve.yaml in the working directory)
//  4. Environment variables (RAGSERVE_*)
//
// To modify the template, edit default.yaml in this directory and rebuild.
package configs

import _ "embed"

// DefaultConfigTemplate is the annotated default configuration.
// Created by: `ragserve config init` at ./ragserve.yaml
// Every key mirrors a field in internal/config.Config with its default value.
//
//go:embed default.yaml
var DefaultConfigTemplate string
