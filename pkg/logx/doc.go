// Package logx configures stagehand's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured and size-rotated
//   - Registered secrets (trigger tokens) masked in every sink
package logx
