// Package exec provides an interface for running external commands.
package exec

import "context"

// CommandRunner runs external commands. Implementations must be safe for
// concurrent use.
type CommandRunner interface {
	// Run executes a command in workDir and returns combined stdout/stderr.
	Run(ctx context.Context, workDir string, name string, args ...string) ([]byte, error)
	// RunShell executes a shell command through "sh -c".
	RunShell(ctx context.Context, workDir string, command string) ([]byte, error)
}
