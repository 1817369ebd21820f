// Package logx is talkie's structured logging: a small Logger value on top of
// zerolog with readable console output (short timestamp, short caller), JSON
// file output, and a Service whose sinks and level can be swapped at runtime.
package logx
