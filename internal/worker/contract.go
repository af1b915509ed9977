// Package worker supervises agent sessions: it publishes the session
// exit contract into each working tree, relaunches dead sessions, backs
// off on errors, and stops after repeated no-progress crashes.
package worker

import (
	"fmt"
	"os"
	"path/filepath"
)

// Flag and marker files in an agent working tree.
const (
	DoneFlag      = ".done-exit"
	ErrorFlag     = ".worker-error"
	StopReason    = ".stop-reason"
	AgentPIDFile  = ".agent-pid"
	IncompleteLog = ".incomplete-reason"
)

// doneScript signals success: marker first, then terminate the agent.
// The wrapper sees the marker and reports a clean exit.
const doneScript = `#!/bin/sh
# Signal that this session finished its work.
cd "$(dirname "$0")"
touch %s
[ -f %s ] && kill -TERM "$(cat %s)" 2>/dev/null
exit 0
`

// incompleteScript records why the agent could not finish, notes the
// in-progress issue, and terminates the agent without the done marker so
// the supervisor schedules a resume.
const incompleteScript = `#!/bin/sh
# Signal that this session cannot finish and wants a resume.
cd "$(dirname "$0")"
reason="${1:-no reason given}"
printf '%%s\n' "$reason" >> %s
if [ -n "$V0_ISSUE" ] && command -v %s >/dev/null 2>&1; then
    %s note "$V0_ISSUE" --message "$reason" || true
fi
[ -f %s ] && kill -TERM "$(cat %s)" 2>/dev/null
exit 0
`

// wrapperScript invokes the agent, records its pid and exit, and flags
// errors. A non-zero exit is clean when the done marker exists or the
// recorded stop reason is a system/billing/auth condition.
const wrapperScript = `#!/bin/sh
cd "$(dirname "$0")"
rm -f %s %s
"$@" &
echo $! > %s
wait $!
rc=$?
if [ "$rc" -ne 0 ] && [ ! -f %s ]; then
    if [ -f %s ] && grep -qiE '%s' %s; then
        exit 0
    fi
    touch %s
fi
exit $rc
`

// stopReasonPattern matches exit causes that never count as errors.
const stopReasonPattern = "auth|login|credential|credit|subscription|billing|payment"

// InstallContract writes the done, incomplete, and wrapper scripts into
// the agent working tree. trackerCmd is the issue tracker binary the
// incomplete script notes issues with.
func InstallContract(dir, trackerCmd string) error {
	scripts := map[string]string{
		"done": fmt.Sprintf(doneScript, DoneFlag, AgentPIDFile, AgentPIDFile),
		"incomplete": fmt.Sprintf(incompleteScript,
			IncompleteLog, trackerCmd, trackerCmd, AgentPIDFile, AgentPIDFile),
		"run-agent": fmt.Sprintf(wrapperScript,
			DoneFlag, ErrorFlag, AgentPIDFile, DoneFlag,
			StopReason, stopReasonPattern, StopReason, ErrorFlag),
	}
	for name, body := range scripts {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(body), 0755); err != nil {
			return fmt.Errorf("install %s script: %w", name, err)
		}
	}
	return nil
}

// DoneFlagSet reports whether the session signalled success.
func DoneFlagSet(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, DoneFlag))
	return err == nil
}

// ErrorFlagSet reports whether the wrapper flagged an abnormal exit.
func ErrorFlagSet(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, ErrorFlag))
	return err == nil
}

// ClearFlags removes the per-run markers before a relaunch.
func ClearFlags(dir string) {
	for _, f := range []string{DoneFlag, ErrorFlag, StopReason, AgentPIDFile} {
		os.Remove(filepath.Join(dir, f))
	}
}
