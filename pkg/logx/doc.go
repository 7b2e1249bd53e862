// Package logx wraps zerolog for the bot.
//
// Console output is human readable with a short file:line caller, the
// optional log file gets JSON lines, and Service.Apply swaps level and sinks
// at runtime so config reloads take effect without rebuilding loggers.
package logx
