package utils

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"syscall"
	"time"
)

type PIDManager struct {
	dir string
	cm  *ConfigManager
}

func NewPIDManager(cm *ConfigManager) (*PIDManager, error) {
	dataDir := cm.GetConfigWithDefault("data_dir", ".")
	if dataDir == "" {
		dataDir = "."
	}

	return &PIDManager{
		dir: dataDir,
		cm:  cm,
	}, nil
}

func (p *PIDManager) pidFilePath() string {
	pidFileName := p.cm.GetConfigWithDefault("pid_path", "decloud-node.pid")
	return filepath.Join(p.dir, pidFileName)
}

func (p *PIDManager) WritePID(pid int) error {
	path := p.pidFilePath()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory for PID file: %v", err)
	}

	return os.WriteFile(path, []byte(strconv.Itoa(pid)), 0644)
}

func (p *PIDManager) ReadPID() (int, error) {
	data, err := os.ReadFile(p.pidFilePath())
	if err != nil {
		if os.IsNotExist(err) {
			return 0, errors.New("PID file does not exist - node is not running")
		}
		return 0, fmt.Errorf("failed to read PID file: %v", err)
	}

	pid, err := strconv.Atoi(string(data))
	if err != nil {
		return 0, fmt.Errorf("invalid PID format in file: %v", err)
	}

	return pid, nil
}

func (p *PIDManager) StopProcess(pid int) error {
	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process with PID %d: %v", pid, err)
	}

	if runtime.GOOS == "windows" {
		return process.Kill()
	}

	// Try graceful termination first
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to send SIGTERM to process %d: %v", pid, err)
	}

	gracePeriod := 10 * time.Second
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	timeout := time.After(gracePeriod)

	for {
		select {
		case <-timeout:
			fmt.Printf("Grace period expired, force killing process %d\n", pid)
			return process.Signal(syscall.SIGKILL)
		case <-ticker.C:
			// Signal 0 checks existence
			if err := process.Signal(syscall.Signal(0)); err != nil {
				return nil
			}
		}
	}
}

func (p *PIDManager) RemovePIDFile() error {
	err := os.Remove(p.pidFilePath())
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file: %v", err)
	}
	return nil
}

func (p *PIDManager) IsProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	if runtime.GOOS == "windows" {
		return true
	}

	return process.Signal(syscall.Signal(0)) == nil
}
