// Package logx configures timerjob's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured and rotated (lumberjack)
//   - A zero-value Logger that is a safe no-op, so library code never nil-checks
package logx
