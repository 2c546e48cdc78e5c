// Package sklog offers module-level leveled logging that delegates to glog
// by default and can be pointed at a CloudLogger for production deployments,
// the way the teacher's go/sklog package decouples call sites from the
// logging backend.
package sklog

import (
	"fmt"

	"github.com/golang/glog"
)

// CloudLogger is the interface a production log sink must implement. Left
// unimplemented by this repo (see SPEC_FULL.md's dropped-dependency note on
// cloud.google.com/go/logging) but kept pluggable so a deployment can supply
// one without touching call sites.
type CloudLogger interface {
	Log(severity, msg string)
}

var logger CloudLogger

// SetCloudLogger installs a CloudLogger; subsequent log calls are mirrored
// to it in addition to glog.
func SetCloudLogger(l CloudLogger) {
	logger = l
}

func log(severity string, msg string) {
	if logger != nil {
		logger.Log(severity, msg)
	}
}

func Infof(format string, v ...interface{}) {
	msg := fmt.Sprintf(format, v...)
	glog.InfoDepth(1, msg)
	log("INFO", msg)
}

func Warningf(format string, v ...interface{}) {
	msg := fmt.Sprintf(format, v...)
	glog.WarningDepth(1, msg)
	log("WARNING", msg)
}

func Errorf(format string, v ...interface{}) {
	msg := fmt.Sprintf(format, v...)
	glog.ErrorDepth(1, msg)
	log("ERROR", msg)
}

func Error(args ...interface{}) {
	msg := fmt.Sprint(args...)
	glog.ErrorDepth(1, msg)
	log("ERROR", msg)
}

func Fatalf(format string, v ...interface{}) {
	msg := fmt.Sprintf(format, v...)
	log("FATAL", msg)
	glog.FatalDepth(1, msg)
}

func Flush() {
	glog.Flush()
}
