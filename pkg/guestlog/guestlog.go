// Copyright 2024 The guestctl Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package guestlog is the leveled logger used throughout the guest
// acquisition and control engine: a package-level *logrus.Logger
// wrapped with Infof/Warningf/Debugf call sites.
package guestlog

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

var log = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.Out = os.Stderr
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return l
}

// SetLevel adjusts the package logger's verbosity. Embedders that want
// GUEST_SYSCALLS-style tracing wire this to logrus.DebugLevel.
func SetLevel(level logrus.Level) {
	log.SetLevel(level)
}

// SetOutput redirects where log lines are written.
func SetOutput(w io.Writer) {
	log.SetOutput(w)
}

// Infof logs at info level.
func Infof(format string, args ...interface{}) {
	log.Infof(format, args...)
}

// Warningf logs at warn level.
func Warningf(format string, args ...interface{}) {
	log.Warnf(format, args...)
}

// Debugf logs at debug level.
func Debugf(format string, args ...interface{}) {
	log.Debugf(format, args...)
}

// WithFields returns an entry pre-populated with structured fields, for
// call sites that want to attach a pid/syscall number/address.
func WithFields(fields map[string]interface{}) *logrus.Entry {
	return log.WithFields(logrus.Fields(fields))
}
