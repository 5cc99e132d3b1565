// Package logx provides structured logging for the bot on top of zerolog.
//
// It exposes a small Field-based API so callers never import zerolog
// directly, and a Service whose sinks (console, file, telegram) can be
// swapped at runtime via Apply() during config hot reload.
package logx
