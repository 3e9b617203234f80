// Package watcher provides real-time file system watching with automatic
// debouncing and ignore-aware filtering.
//
// The package implements a hybrid watching strategy:
//   - Primary: fsnotify for efficient event-based watching
//   - Fallback: Polling for environments where fsnotify fails (network mounts, Docker volumes)
//
// Events are debounced to coalesce rapid changes from editors and sync tools,
// and filtered against .ragignore patterns to skip irrelevant files.
//
// Usage:
//
//	opts := watcher.DefaultOptions()
//	w, err := watcher.NewHybridWatcher(opts)
//	if err != nil {
//	    return err
//	}
//	defer w.Stop()
//
//	if err := w.Start(ctx, "/path/to/docs"); err != nil {
//	    return err
//	}
//
//	for batch := range w.Events() {
//	    for _, event := range batch {
//	        switch event.Operation {
//	        case watcher.OpCreate:
//	            // Handle file creation
//	        case watcher.OpModify:
//	            // Handle file modification
//	        case watcher.OpDelete:
//	            // Handle file deletion
//	        }
//	    }
//	}
package watcher
