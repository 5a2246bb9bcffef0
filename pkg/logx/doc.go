// Package logx wraps zerolog. Console output is human readable, the log
// file gets JSON lines, and warnings can be mirrored into a Telegram chat
// through the delivery scheduler.
package logx
