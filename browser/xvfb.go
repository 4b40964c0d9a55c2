package browser

import (
	"fmt"
	"os/exec"
	"time"
)

// startXvfbLocked launches the shared Xvfb virtual display used by headed
// logins on machines without a real display. Caller holds m.mu.
func (m *Manager) startXvfbLocked() error {
	if m.xvfb != nil {
		return nil // already running
	}

	display := m.cfg.XvfbDisplay
	cmd := exec.Command("Xvfb", display, "-screen", "0", "1920x1080x24", "-ac")
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("browser: start xvfb: %w", err)
	}
	m.xvfb = cmd

	// Give Xvfb a moment to initialise.
	time.Sleep(500 * time.Millisecond)

	m.cfg.Logger.Info("browser: xvfb started", "display", display, "pid", cmd.Process.Pid)
	return nil
}

// stopXvfbLocked kills the Xvfb process if running. Caller holds m.mu.
func (m *Manager) stopXvfbLocked() {
	if m.xvfb == nil {
		return
	}
	if m.xvfb.Process != nil {
		m.xvfb.Process.Kill()
		m.xvfb.Wait()
	}
	m.cfg.Logger.Info("browser: xvfb stopped")
	m.xvfb = nil
}
