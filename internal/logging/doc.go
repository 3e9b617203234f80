// Package logging provides structured JSON logging with file rotation.
// Server logs are written to ~/.ragserve/logs/ and, when debug mode is
// enabled, mirrored to stderr.
//
// Components receive a *slog.Logger through constructor options and fall
// back to slog.Default() when none is given.
package logging
