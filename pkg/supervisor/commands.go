package supervisor

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Process kinds.
const (
	KindDisplay = "xvnc"
	KindBridge  = "websockify"
	KindBrowser = "chrome"
)

// DisplayOptions configures the Xvnc display server.
type DisplayOptions struct {
	Path     string
	Geometry string
	Depth    int
	Display  int
	Port     int
	Timeout  time.Duration
}

// DisplaySpec returns the launch spec for an Xvnc server on Display that
// serves VNC on Port to localhost only.
func DisplaySpec(opts DisplayOptions) Spec {
	return Spec{
		Name: KindDisplay,
		Path: opts.Path,
		Args: []string{
			fmt.Sprintf(":%d", opts.Display),
			"-geometry", opts.Geometry,
			"-depth", strconv.Itoa(opts.Depth),
			"-SecurityTypes", "None",
			"-localhost",
			"-alwaysshared",
			"-ac",
			"-quiet",
			"-rfbport", strconv.Itoa(opts.Port),
		},
		Port:           opts.Port,
		StartupTimeout: opts.Timeout,
	}
}

// BridgeOptions configures the websockify bridge.
type BridgeOptions struct {
	Path      string
	Heartbeat int
	Port      int
	VNCPort   int
	Timeout   time.Duration
}

// BridgeSpec returns the launch spec for a websockify bridge that exposes
// VNCPort as a websocket on Port.
func BridgeSpec(opts BridgeOptions) Spec {
	return Spec{
		Name: KindBridge,
		Path: opts.Path,
		Args: []string{
			"--heartbeat", strconv.Itoa(opts.Heartbeat),
			fmt.Sprintf("0.0.0.0:%d", opts.Port),
			fmt.Sprintf("localhost:%d", opts.VNCPort),
		},
		Port:           opts.Port,
		StartupTimeout: opts.Timeout,
	}
}

// browserFlags keep the browser quiet, software-rendered and free of
// first-run and sync prompts.
var browserFlags = []string{
	"--no-first-run",
	"--disable-sync",
	"--no-default-browser-check",
	"--password-store=basic",
	"--disable-extensions",
	"--disable-metrics",
	"--disable-metrics-reporting",
	"--disable-crash-reporter",
	"--disable-logging",
	"--disable-gpu",
	"--disable-webgl",
	"--disable-vulkan",
	"--disable-accelerated-layers",
	"--enable-unsafe-swiftshader",
	"--disable-smooth-scrolling",
	"--disable-spell-checking",
	"--disable-remote-fonts",
	"--disable-dev-shm-usage",
}

// BrowserOptions configures the browser process.
type BrowserOptions struct {
	Path       string
	Display    int
	DebugPort  int
	WorkDir    string
	ExtraFlags []string
	Timeout    time.Duration

	// Sandbox wraps the browser in bubblewrap when non-nil.
	Sandbox *Bwrap

	// HostsFile is mounted over /etc/hosts inside the sandbox when it exists.
	HostsFile string
}

// ProfileDir returns the browser profile directory inside a session workdir.
func ProfileDir(workDir string) string {
	return filepath.Join(workDir, ".config", "google-chrome", "Default")
}

// BrowserSpec returns the launch spec for the browser attached to Display
// with its DevTools endpoint on DebugPort. Without a sandbox the browser runs
// with HOME pointed at the session workdir.
func BrowserSpec(opts BrowserOptions) (Spec, error) {
	command := make([]string, 0, len(browserFlags)+len(opts.ExtraFlags)+2)
	command = append(command, opts.Path)
	command = append(command, browserFlags...)
	command = append(command, opts.ExtraFlags...)
	command = append(command, fmt.Sprintf("--remote-debugging-port=%d", opts.DebugPort))

	env := []string{fmt.Sprintf("DISPLAY=:%d", opts.Display)}

	if opts.Sandbox != nil {
		home, err := os.UserHomeDir()
		if err != nil {
			return Spec{}, fmt.Errorf("failed to resolve home directory: %w", err)
		}
		command, err = opts.Sandbox.Build(BwrapOptions{
			WorkDir:   opts.WorkDir,
			Home:      home,
			HostsFile: opts.HostsFile,
			Command:   command,
		})
		if err != nil {
			return Spec{}, fmt.Errorf("failed to build sandbox command: %w", err)
		}
	} else {
		env = append(env, "HOME="+opts.WorkDir)
	}

	return Spec{
		Name:           KindBrowser,
		Path:           command[0],
		Args:           command[1:],
		Env:            env,
		Dir:            opts.WorkDir,
		Port:           opts.DebugPort,
		StartupTimeout: opts.Timeout,
	}, nil
}
