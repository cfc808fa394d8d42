// Package klog provides the kernel console logger shared by the core
// systems packages: bring-up and error conditions are logged through a
// structured, leveled logger so call sites attach fields instead of
// hand-formatting strings.
package klog

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Log is the kernel-wide console logger. There is exactly one console in
// this system, so a package-level singleton is shared ambient state
// rather than something every caller threads through explicitly.
var Log = New()

// New builds a logger that writes text-formatted lines to the kernel
// console (stderr), timestamped, at info level by default.
func New() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	return l
}

// Fields is a shorthand re-export so callers don't need to import logrus
// directly just to attach context.
type Fields = logrus.Fields
