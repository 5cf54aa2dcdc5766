// Package main implements the entry point and system initialization for
// Tapeback.
//
// This package handles:
//   - Privilege elevation (tape device nodes are root/tape-group only on
//     most distributions)
//   - Single instance checking so two controllers never fight over a drive
//   - System dependency validation (mt, tar, and the optional LTFS tools)
//   - Leftover LTFS mount cleanup from crashed runs
//   - Signal handling for clean shutdown
//   - TUI initialization and execution
package main

import (
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"

	"tapeback/internal"
	"tapeback/internal/devices"
	"tapeback/internal/ltfs"
	"tapeback/internal/session"
)

// lockFilePath is the singleton instance lock. The tape drive is a single
// exclusive resource; a second controller would corrupt a running job.
const lockFilePath = "/tmp/tapeback.lock"

// checkSingleInstance verifies no other tapeback process is running. Stale
// lock files from dead processes are cleaned up.
func checkSingleInstance() error {
	if _, err := os.Stat(lockFilePath); err == nil {
		if content, readErr := os.ReadFile(lockFilePath); readErr == nil {
			pid := strings.TrimSpace(string(content))
			if pidInt, err := strconv.Atoi(pid); err == nil {
				if process, err := os.FindProcess(pidInt); err == nil {
					if err := process.Signal(syscall.Signal(0)); err == nil {
						return fmt.Errorf("another tapeback process is already running (PID: %s)", pid)
					}
				}
			}
		}
		os.Remove(lockFilePath)
	}
	return nil
}

func createInstanceLock() error {
	return os.WriteFile(lockFilePath, []byte(strconv.Itoa(os.Getpid())), 0644)
}

func removeInstanceLock() {
	os.Remove(lockFilePath)
}

func main() {
	if os.Geteuid() != 0 {
		if err := elevateToRoot(); err != nil {
			fmt.Printf("Failed to elevate privileges: %v\n", err)
			os.Exit(1)
		}
		return
	}
	run()
}

// elevateToRoot re-executes the program with sudo. Tape character devices
// and the SCSI generic nodes are not world-accessible, and mkltfs/ltfs need
// the same access.
func elevateToRoot() error {
	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %v", err)
	}
	if !programExists("sudo") {
		return fmt.Errorf("sudo is required but not available")
	}

	args := append([]string{execPath}, os.Args[1:]...)
	cmd := exec.Command("sudo", args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			os.Exit(exitErr.ExitCode())
		}
		fmt.Println("Tapeback needs root access to the tape device nodes.")
		return fmt.Errorf("sudo execution failed: %v", err)
	}
	os.Exit(0)
	return nil
}

func run() {
	if err := checkSingleInstance(); err != nil {
		fmt.Println(err.Error())
		fmt.Println("If no other tapeback is running, remove the lock file:")
		fmt.Println("  sudo rm " + lockFilePath)
		os.Exit(1)
	}
	if err := createInstanceLock(); err != nil {
		fmt.Printf("Failed to create instance lock: %v\n", err)
		os.Exit(1)
	}
	defer removeInstanceLock()

	if err := checkSystemDependencies(); err != nil {
		fmt.Printf("Dependency check failed: %v\n", err)
		os.Exit(1)
	}

	cfg, err := internal.LoadConfig()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	// Write the config back so a first run leaves a file the operator can
	// edit to set the backup directory list.
	internal.SaveConfig(cfg)
	internal.WriteSessionHeader()

	// A crashed run can leave fuse mounts behind that make the drive look
	// busy; sweep them before touching the device.
	ltfs.SweepLeftoverMounts(nil)

	machine := session.NewMachine()
	machine.SetCapacityLimit(cfg.CapacityLimitBytes())

	watcher, err := devices.NewWatcher()
	if err != nil {
		watcher = nil // hotplug refresh disabled, manual rescan still works
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		machine.Shutdown()
		removeInstanceLock()
		os.Exit(1)
	}()

	m := internal.InitialModel(machine, cfg, watcher)
	p := tea.NewProgram(m, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		log.Fatal(err)
	}
}

// checkSystemDependencies validates the external tools. mt and tar are the
// core of every raw operation and must exist; the LTFS and SCSI tools only
// disable their features when missing.
func checkSystemDependencies() error {
	required := []struct {
		name    string
		purpose string
	}{
		{"mt", "tape positioning and status"},
		{"tar", "archive streaming to and from tape"},
	}
	optional := []struct {
		name    string
		purpose string
	}{
		{"lsscsi", "device labels and SCSI mapping"},
		{"sg_logs", "tape capacity query"},
		{"sg_read_attr", "tape capacity query (fallback)"},
		{"mkltfs", "LTFS formatting"},
		{"ltfs", "LTFS mounting"},
		{"fusermount", "LTFS unmounting"},
		{"rsync", "LTFS backup"},
		{"du", "backup size estimation"},
	}

	var missing []string
	for _, prog := range required {
		if !programExists(prog.name) {
			missing = append(missing, fmt.Sprintf("   • %s (%s)", prog.name, prog.purpose))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing critical programs:\n%s\n\nInstallation:\n%s",
			strings.Join(missing, "\n"),
			"   Debian/Ubuntu: sudo apt install mt-st tar\n   Arch Linux:    sudo pacman -S mt-st-git tar")
	}

	var warnings []string
	for _, prog := range optional {
		if !programExists(prog.name) {
			warnings = append(warnings, fmt.Sprintf("   • %s (%s)", prog.name, prog.purpose))
		}
	}
	if len(warnings) > 0 {
		fmt.Println("Optional programs missing (some features will be unavailable):")
		fmt.Println(strings.Join(warnings, "\n"))
		fmt.Println()
	}
	return nil
}

func programExists(program string) bool {
	_, err := exec.LookPath(program)
	return err == nil
}
