// Package container implements C1 (Process Container) and C2 (Graceful
// Shutdown) from the supervisor design: one child process, its PID and
// output streams, and the INT→TERM→KILL escalation used to stop it.
package container
