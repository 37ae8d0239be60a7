package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// LogRotationConfig holds rotation configuration
type LogRotationConfig struct {
	MaxSizeMB      int64 // Maximum file size in MB before rotation
	MaxAgeDays     int   // Maximum days to retain old logs (0 = keep all)
	MaxBackups     int   // Maximum number of backup files to keep (0 = keep all)
	EnableRotation bool
}

type LogsManager struct {
	cm             *ConfigManager
	dir            string
	logFileName    string
	logger         *log.Logger
	File           *os.File // allow other packages to use same log output
	mutex          sync.RWMutex
	rotationConfig LogRotationConfig
	fileSize       int64
}

func NewLogsManager(cm *ConfigManager) *LogsManager {
	paths := GetAppPaths("")
	logFileName := cm.GetConfigWithDefault("logfile", "decloud-node")

	rotationConfig := LogRotationConfig{
		MaxSizeMB:      cm.GetConfigInt64("log_max_size_mb", 100, 1, 10240),
		MaxAgeDays:     cm.GetConfigInt("log_max_age_days", 30, 0, 3650),
		MaxBackups:     cm.GetConfigInt("log_max_backups", 10, 0, 1000),
		EnableRotation: cm.GetConfigBool("log_enable_rotation", true),
	}

	lm := &LogsManager{
		cm:             cm,
		dir:            paths.LogDir,
		logFileName:    logFileName,
		logger:         log.New(),
		rotationConfig: rotationConfig,
	}

	if err := lm.initLogger(); err != nil {
		panic(err)
	}

	return lm
}

func (lm *LogsManager) initLogger() error {
	path := filepath.Join(lm.dir, lm.logFileName)
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0666)
	if err != nil {
		return err
	}

	lm.File = file

	if stat, err := file.Stat(); err == nil {
		lm.fileSize = stat.Size()
	}

	logLevel := lm.cm.GetConfigWithDefault("log_level", "info")
	level, err := log.ParseLevel(logLevel)
	if err != nil {
		fmt.Printf("Invalid log level '%s', defaulting to 'info'\n", logLevel)
		level = log.InfoLevel
	}
	lm.logger.SetLevel(level)
	lm.logger.SetOutput(file)
	lm.logger.SetFormatter(&log.JSONFormatter{})

	return nil
}

func (lm *LogsManager) fileInfo(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		file = "<???>"
		line = 1
	} else {
		slash := strings.LastIndex(file, "/")
		if slash >= 0 {
			file = file[slash+1:]
		}
	}
	return file + ":" + strconv.Itoa(line)
}

func (lm *LogsManager) Log(level string, message string, category string) {
	if lm.rotationConfig.EnableRotation {
		lm.checkAndRotate()
	}

	lm.mutex.RLock()
	defer lm.mutex.RUnlock()

	// File is nil during shutdown, drop the entry
	if lm.File == nil {
		return
	}

	entry := lm.logger.WithFields(log.Fields{
		"category": category,
		"file":     lm.fileInfo(2),
	})

	switch level {
	case "trace":
		entry.Trace(message)
	case "debug":
		entry.Debug(message)
	case "info":
		entry.Info(message)
	case "warn":
		entry.Warn(message)
	case "error":
		entry.Error(message)
	case "fatal":
		entry.Fatal(message)
	default:
		entry.Info(message)
	}

	// Approximate, including JSON overhead
	lm.fileSize += int64(len(message) + 100)
}

func (lm *LogsManager) Debug(message string, category string) {
	lm.Log("debug", message, category)
}

func (lm *LogsManager) Info(message string, category string) {
	lm.Log("info", message, category)
}

func (lm *LogsManager) Warn(message string, category string) {
	lm.Log("warn", message, category)
}

func (lm *LogsManager) Error(message string, category string) {
	lm.Log("error", message, category)
}

// Close closes the log file - call this when shutting down
func (lm *LogsManager) Close() error {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()

	if lm.File != nil {
		err := lm.File.Close()
		lm.File = nil
		return err
	}
	return nil
}

func (lm *LogsManager) checkAndRotate() {
	if lm.rotationConfig.MaxSizeMB > 0 && lm.fileSize > lm.rotationConfig.MaxSizeMB*1024*1024 {
		lm.rotateWithBackup()
	}
}

func (lm *LogsManager) rotateWithBackup() {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()

	timestamp := time.Now().Format("2006-01-02_15-04-05")
	backupFileName := fmt.Sprintf("%s.%s.bak", lm.logFileName, timestamp)
	backupPath := filepath.Join(lm.dir, backupFileName)
	currentPath := filepath.Join(lm.dir, lm.logFileName)

	if lm.File != nil {
		lm.File.Close()
		lm.File = nil
	}

	if _, err := os.Stat(currentPath); err == nil {
		if err := os.Rename(currentPath, backupPath); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to create backup %s: %v\n", backupPath, err)
		}
	}

	if err := lm.initLogger(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to reinitialize logger after rotation: %v\n", err)
		return
	}

	lm.cleanupOldBackups()

	lm.logger.WithFields(log.Fields{
		"category": "logrotate",
		"backup":   backupFileName,
	}).Info("Log rotated")
}

func (lm *LogsManager) cleanupOldBackups() {
	if lm.rotationConfig.MaxAgeDays <= 0 && lm.rotationConfig.MaxBackups <= 0 {
		return
	}

	files, err := filepath.Glob(filepath.Join(lm.dir, lm.logFileName+"*.bak"))
	if err != nil {
		return
	}

	type backupFile struct {
		path    string
		modTime time.Time
	}

	var backups []backupFile
	now := time.Now()

	for _, file := range files {
		stat, err := os.Stat(file)
		if err != nil {
			continue
		}
		if lm.rotationConfig.MaxAgeDays > 0 {
			age := now.Sub(stat.ModTime()).Hours() / 24
			if age > float64(lm.rotationConfig.MaxAgeDays) {
				os.Remove(file)
				continue
			}
		}
		backups = append(backups, backupFile{path: file, modTime: stat.ModTime()})
	}

	if lm.rotationConfig.MaxBackups > 0 && len(backups) > lm.rotationConfig.MaxBackups {
		// Oldest first
		for i := 0; i < len(backups)-1; i++ {
			for j := i + 1; j < len(backups); j++ {
				if backups[j].modTime.Before(backups[i].modTime) {
					backups[i], backups[j] = backups[j], backups[i]
				}
			}
		}
		for _, b := range backups[:len(backups)-lm.rotationConfig.MaxBackups] {
			os.Remove(b.path)
		}
	}
}
