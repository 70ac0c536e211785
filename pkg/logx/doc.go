// Package logx is calbot's structured logging layer.
//
// A small value-type Logger wraps zerolog so components can carry fixed
// fields (comp, subscriber_id, ...) without holding a zerolog.Logger directly.
// Sinks are owned by Service:
//   - console (human readable, short caller)
//   - JSON file
//   - optional chat alert sink (min-level + rate limited)
package logx
