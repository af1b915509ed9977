package deps

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// ExecDriver resumes operations by re-invoking this binary in a detached
// process. The child owns its own lifecycle; the parent never waits.
type ExecDriver struct {
	// Binary overrides the resolved executable path (tests).
	Binary string
}

// Resume spawns `<binary> op resume <name>` in its own session.
func (d *ExecDriver) Resume(name string) error {
	bin := d.Binary
	if bin == "" {
		var err error
		bin, err = os.Executable()
		if err != nil {
			return fmt.Errorf("resolve executable: %w", err)
		}
	}

	cmd := exec.Command(bin, "op", "resume", name)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn resume for %s: %w", name, err)
	}
	// Reap in the background so the child never zombies under a
	// long-lived daemon parent.
	go cmd.Wait()
	return nil
}
