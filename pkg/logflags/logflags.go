// Package logflags routes per-subsystem logging for the unwinder.
package logflags

import (
	"errors"
	"io"
	"log"
	"strings"

	"github.com/sirupsen/logrus"
)

var unwind = false
var cfi = false
var dwarfOp = false
var fdeErrors = false

func makeLogger(flag bool, fields logrus.Fields) *logrus.Entry {
	logger := logrus.New().WithFields(fields)
	logger.Logger.Level = logrus.DebugLevel
	if !flag {
		logger.Logger.Level = logrus.PanicLevel
	}
	return logger
}

// Unwind returns true if the frame stepper should log every step.
func Unwind() bool {
	return unwind
}

// UnwindLogger returns a configured logger for the frame stepper.
func UnwindLogger() *logrus.Entry {
	return makeLogger(unwind, logrus.Fields{"layer": "dwarf", "kind": "unwind"})
}

// CFI returns true if call frame instruction execution should be logged.
func CFI() bool {
	return cfi
}

// CFILogger returns a configured logger for the CFI interpreter.
func CFILogger() *logrus.Entry {
	return makeLogger(cfi, logrus.Fields{"layer": "dwarf", "kind": "cfi"})
}

// DwarfOp returns true if DWARF expression evaluation should be logged.
func DwarfOp() bool {
	return dwarfOp
}

// DwarfOpLogger returns a configured logger for the expression evaluator.
func DwarfOpLogger() *logrus.Entry {
	return makeLogger(dwarfOp, logrus.Fields{"layer": "dwarf", "kind": "op"})
}

// FDEErrors returns true if recoverable FDE parse errors should be logged.
func FDEErrors() bool {
	return fdeErrors
}

// FDEErrorsLogger returns a configured logger for FDE parse diagnostics.
func FDEErrorsLogger() *logrus.Entry {
	return makeLogger(fdeErrors, logrus.Fields{"layer": "dwarf", "kind": "fde"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets logging flags based on the contents of logstr.
func Setup(logFlag bool, logstr string) error {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(io.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "unwind"
	}
	for _, logcmd := range strings.Split(logstr, ",") {
		switch logcmd {
		case "unwind":
			unwind = true
		case "cfi":
			cfi = true
		case "op":
			dwarfOp = true
		case "fdeerrors":
			fdeErrors = true
		}
	}
	return nil
}
