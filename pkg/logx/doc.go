// Package logx configures rosterd's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Derived component loggers cheap (With(String("comp", ...)))
package logx
