// Package tools runs external commands for the toolkit client.
//
// Ownership boundary:
// - local command execution with stdin, working directory and cancellation
//
// - the same contract over SSH for toolkits installed on a reduction host
package tools
