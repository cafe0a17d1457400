// Package logx configures coachbot's structured logging on top of zerolog.
//
// Console output is human readable, the optional file sink writes JSON
// lines, and the operator sink forwards warnings to a Telegram chat with
// dispatch fields (item, fire minute, student) on their own line. Repeats
// of the same message are muted for a window and the sink is rate limited.
package logx
