// Package health implements the Health Monitor (C6): HTTP, TCP, and
// script checkers behind a common Checker interface, a Status that
// turns a stream of results into a consecutive-failure count, and a
// Monitor that schedules checks per process and triggers restarts
// through a Remediator when a process crosses its failure threshold.
package health
