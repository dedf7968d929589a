// Copyright 2024 The evmm Authors.
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

package log

import (
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
)

// LogrusEmitter forwards records to a logrus logger. The logrus logger does
// its own level filtering on top of the BasicLogger level, so it is created
// at the most verbose level.
type LogrusEmitter struct {
	Logger *logrus.Logger

	// Fields are attached to every record.
	Fields logrus.Fields
}

// NewLogrusEmitter returns an emitter writing text records to w. A "pkg: "
// message prefix becomes the component field.
func NewLogrusEmitter(w io.Writer, fields logrus.Fields) *LogrusEmitter {
	l := logrus.New()
	l.SetOutput(w)
	l.SetLevel(logrus.DebugLevel)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339Nano,
	})
	return &LogrusEmitter{Logger: l, Fields: fields}
}

// Emit implements Emitter.Emit.
func (e *LogrusEmitter) Emit(_ int, level Level, timestamp time.Time, format string, v ...any) {
	entry := e.Logger.WithFields(e.Fields).WithTime(timestamp)
	component, msg := splitComponent(fmt.Sprintf(format, v...))
	if component != "" {
		entry = entry.WithField("component", component)
	}
	switch level {
	case Debug:
		entry.Debug(msg)
	case Info:
		entry.Info(msg)
	default:
		entry.Warn(msg)
	}
}
