// Package supervisortest stands in for Xvnc, websockify and the browser in
// tests. A test binary re-executes itself as a fake process that listens on
// the port found in its command line.
//
// Test packages call RunHelper from TestMain:
//
//	func TestMain(m *testing.M) {
//		supervisortest.RunHelper()
//		os.Exit(m.Run())
//	}
package supervisortest

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"
)

const (
	envHelper = "WEBPILOT_HELPER_PROCESS"
	envMode   = "WEBPILOT_HELPER_MODE"
)

// Mode selects how a fake process behaves.
type Mode string

const (
	// Listen opens the port and runs until signalled.
	Listen Mode = "listen"
	// Exit exits with status 3 without opening the port.
	Exit Mode = "exit"
	// Hang runs until signalled without opening the port.
	Hang Mode = "hang"
	// IgnoreTerm opens the port and ignores SIGTERM.
	IgnoreTerm Mode = "ignore-term"
)

// RunHelper turns the current process into a fake when it was started
// through a script from Script. It returns immediately otherwise.
func RunHelper() {
	if os.Getenv(envHelper) != "1" {
		return
	}

	args := os.Args
	for i, a := range args {
		if a == "--" {
			args = args[i+1:]
			break
		}
	}

	mode := Mode(os.Getenv(envMode))
	switch mode {
	case Exit:
		os.Exit(3)
	case Hang:
		sleepForever()
	case IgnoreTerm:
		signal.Ignore(syscall.SIGTERM)
	}

	port := PortFromArgs(args)
	if port == 0 {
		fmt.Fprintln(os.Stderr, "fake process: no port in arguments")
		os.Exit(2)
	}
	ln, err := net.Listen("tcp", net.JoinHostPort("0.0.0.0", strconv.Itoa(port)))
	if err != nil {
		fmt.Fprintf(os.Stderr, "fake process: %v\n", err)
		os.Exit(2)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()
	sleepForever()
}

func sleepForever() {
	for {
		time.Sleep(time.Hour)
	}
}

// PortFromArgs finds the listen port in an Xvnc, websockify or browser
// command line.
func PortFromArgs(args []string) int {
	for i, a := range args {
		switch {
		case a == "-rfbport" && i+1 < len(args):
			if p, err := strconv.Atoi(args[i+1]); err == nil {
				return p
			}
		case strings.HasPrefix(a, "--remote-debugging-port="):
			if p, err := strconv.Atoi(strings.TrimPrefix(a, "--remote-debugging-port=")); err == nil {
				return p
			}
		case strings.HasPrefix(a, "0.0.0.0:"):
			if p, err := strconv.Atoi(strings.TrimPrefix(a, "0.0.0.0:")); err == nil {
				return p
			}
		}
	}
	return 0
}

// Script writes an executable shell script named name into a temporary
// directory that re-executes the test binary as a fake process in mode.
func Script(t testing.TB, name string, mode Mode) string {
	t.Helper()

	self, err := os.Executable()
	if err != nil {
		t.Fatalf("failed to resolve test binary: %v", err)
	}

	path := filepath.Join(t.TempDir(), name)
	body := fmt.Sprintf("#!/bin/sh\n%s=1 %s=%s exec %q -- \"$@\"\n", envHelper, envMode, mode, self)
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatalf("failed to write script: %v", err)
	}
	return path
}

// FreePort returns a port that was free a moment ago.
func FreePort(t testing.TB) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}
