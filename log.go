package relay

import "log/slog"

// nopLogger discards all output. Components fall back to it when no logger
// is configured so call sites never nil-check.
var nopLogger = slog.New(slog.DiscardHandler)
