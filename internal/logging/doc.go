// Package logging provides structured logging for the event coordination core.
//
// This package wraps log/slog to emit JSON lines with persistent context
// attributes. Every long-lived component takes a *Logger and derives a child
// tagged with its own name, so a single log file can be filtered by component,
// entity or event source after the fact.
//
// # Basic Usage
//
//	logger, err := logging.NewLogger(logging.Options{
//	    Dir:      "/tmp/panecore",
//	    Level:    "INFO",
//	    Rotation: logging.DefaultRotationConfig(),
//	})
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	busLog := logger.WithComponent("bus")
//	busLog.Warn("subscriber dropped events", "subscriber", id, "dropped", n)
//
//	paneLog := logger.WithEntity("pane-1")
//	paneLog.Info("lifecycle advanced", "from", "created", "to", "ready")
//
// Output:
//
//	{"time":"...","level":"INFO","msg":"lifecycle advanced","entity_id":"pane-1","from":"created","to":"ready"}
//
// # Rotation
//
// [RotatingWriter] renames the live file to <file>.1 once it would grow past
// MaxSizeMB, shifting older backups up and deleting the one past MaxBackups.
// Rotated files are optionally gzip compressed.
//
// # Thread Safety
//
// All types in this package are safe for concurrent use.
package logging
