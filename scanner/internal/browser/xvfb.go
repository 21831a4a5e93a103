package browser

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// screen is sized for desktop breakpoints; axe colour-contrast checks run
// against what is actually painted.
const xvfbScreen = "1920x1080x24"

// xvfb is a virtual X display for headful Chrome.
type xvfb struct {
	display string
	cmd     *exec.Cmd
}

// socketPath returns the unix socket Xvfb listens on for display ":N".
func (x *xvfb) socketPath() string {
	return filepath.Join("/tmp/.X11-unix", "X"+strings.TrimPrefix(x.display, ":"))
}

// start launches Xvfb and waits until its socket exists or timeout passes.
func (x *xvfb) start(timeout time.Duration) error {
	cmd := exec.Command("Xvfb", x.display, "-screen", "0", xvfbScreen, "-ac", "-nolisten", "tcp")
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start xvfb %s: %w", x.display, err)
	}
	x.cmd = cmd

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(x.socketPath()); err == nil {
			return nil
		}
		select {
		case err := <-exited:
			x.cmd = nil
			return fmt.Errorf("xvfb %s exited: %w", x.display, errors.Join(err, errors.New("display not ready")))
		case <-time.After(50 * time.Millisecond):
		}
	}
	// Some builds put the socket elsewhere; a live process is good enough.
	return nil
}

func (x *xvfb) stop() {
	if x == nil || x.cmd == nil || x.cmd.Process == nil {
		return
	}
	_ = x.cmd.Process.Kill()
	x.cmd = nil
}

func (m *Manager) startXvfb() error {
	if m.xvfb != nil {
		return nil
	}
	x := &xvfb{display: m.cfg.XvfbDisplay}
	if err := x.start(2 * time.Second); err != nil {
		return err
	}
	m.xvfb = x
	m.cfg.Logger.Info("browser: xvfb ready", "display", x.display, "pid", x.cmd.Process.Pid)
	return nil
}

func (m *Manager) stopXvfb() {
	if m.xvfb == nil {
		return
	}
	m.xvfb.stop()
	m.xvfb = nil
	m.cfg.Logger.Info("browser: xvfb stopped")
}
