// Package logx configures schedgate's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Optional forwarding of warnings/errors to an operator channel (min-level + rate limiting)
package logx
