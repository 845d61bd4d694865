// Package logx configures cronguard's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Optional flood guard for info-and-below lines (token bucket)
package logx
