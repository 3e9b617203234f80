// Package preflight validates the host before the service starts
// serving or ingesting.
//
// The package checks:
//   - Disk space under the data directory (minimum 100MB)
//   - Memory availability (minimum 1GB)
//   - Write permissions in the data directory
//   - File descriptor limits (minimum 1024)
//   - Embedding provider reachability (non-critical)
//
// Use the Checker type to run all validations:
//
//	checker := preflight.New(preflight.WithEmbedder(emb))
//	results := checker.RunAll(ctx, cfg.DataDir)
//	if checker.HasCriticalFailures(results) {
//	    // Refuse to start
//	}
//
// A marker file under the data directory records the last successful
// run so repeated starts skip the checks.
package preflight
