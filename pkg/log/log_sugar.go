// Copyright 2025 Valka Team
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import "go.uber.org/zap"

func current() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return sugar
}

func Info(args ...interface{}) { current().Info(args...) }

func Infof(format string, args ...interface{}) { current().Infof(format, args...) }

func Infow(msg string, keysAndValues ...interface{}) { current().Infow(msg, keysAndValues...) }

func Debug(args ...interface{}) { current().Debug(args...) }

func Debugf(format string, args ...interface{}) { current().Debugf(format, args...) }

func Debugw(msg string, keysAndValues ...interface{}) { current().Debugw(msg, keysAndValues...) }

func Warn(args ...interface{}) { current().Warn(args...) }

func Warnf(format string, args ...interface{}) { current().Warnf(format, args...) }

func Warnw(msg string, keysAndValues ...interface{}) { current().Warnw(msg, keysAndValues...) }

func Error(args ...interface{}) { current().Error(args...) }

func Errorf(format string, args ...interface{}) { current().Errorf(format, args...) }

func Errorw(msg string, keysAndValues ...interface{}) { current().Errorw(msg, keysAndValues...) }

func Fatal(args ...interface{}) { current().Fatal(args...) }

func Fatalf(format string, args ...interface{}) { current().Fatalf(format, args...) }

func Fatalw(msg string, keysAndValues ...interface{}) { current().Fatalw(msg, keysAndValues...) }
