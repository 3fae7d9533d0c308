// Package logx is a thin zerolog wrapper used across deskbot.
//
// Console output stays human readable with a short caller, the file sink
// writes JSON lines, and an optional channel sink forwards warnings to an
// operator chat with a rate limit.
package logx
