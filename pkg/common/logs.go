package common

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	// LogfilePrefix prefix of log file
	LogfilePrefix = "/var/log/cds/"
	// MBSIZE MB size
	MBSIZE = 1024 * 1024
	// maxLogSize rotates the log file at startup once exceeded
	maxLogSize = 2 * MBSIZE
)

// SetLogAttribute points logrus at stdout, a log file or both.
// logType "stdout" logs to stdout only, "host" to the file only, anything
// else to both. The file is rotated by 2M bytes at startup.
func SetLogAttribute(logType, name string, debug bool) error {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if debug {
		log.SetLevel(log.DebugLevel)
		logType = "stdout"
	}

	logType = strings.ToLower(logType)
	if logType != "stdout" && logType != "host" {
		logType = "both"
	}
	if logType == "stdout" {
		log.SetOutput(os.Stdout)
		return nil
	}

	f, err := openLogFile(LogfilePrefix, name)
	if err != nil {
		return err
	}

	if logType == "both" {
		log.SetOutput(io.MultiWriter(os.Stdout, f))
	} else {
		log.SetOutput(f)
	}
	return nil
}

func openLogFile(dir, name string) (*os.File, error) {
	if err := os.MkdirAll(dir, os.FileMode(0755)); err != nil {
		return nil, fmt.Errorf("failed to create the log directory %s: %s", dir, err.Error())
	}
	logFile := filepath.Join(dir, name+".log")
	f, err := os.OpenFile(logFile, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		return nil, fmt.Errorf("failed to open the log file %s: %s", logFile, err.Error())
	}

	// rotate the log file if too large
	if fi, err := f.Stat(); err == nil && fi.Size() > maxLogSize {
		if err := f.Close(); err != nil {
			log.Errorf("failed to close the log file %s: %s", f.Name(), err.Error())
		}
		timeStr := time.Now().Format("-2006-01-02-15:04:05")
		timedLogfile := filepath.Join(dir, name+timeStr+".log")
		if err := os.Rename(logFile, timedLogfile); err != nil {
			log.Errorf("failed to rename file from %s to %s: %s", logFile, timedLogfile, err.Error())
		}
		f, err = os.OpenFile(logFile, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		if err != nil {
			return nil, fmt.Errorf("failed to reopen the log file %s: %s", logFile, err.Error())
		}
	}
	return f, nil
}
