// Copyright 2023 Google Inc. All Rights Reserved.
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

package logger

import (
	"fmt"
	"io"
	"os"
)

// AsyncLogger buffers writes on a channel and flushes them to an
// underlying io.WriteCloser (typically a *lumberjack.Logger) from a single
// background goroutine, so a slow or rotating log file never blocks the
// FUSE session loop or coordinator that is producing log lines.
type AsyncLogger struct {
	out  io.WriteCloser
	msgs chan []byte
	done chan struct{}
}

// NewAsyncLogger starts the background writer goroutine. bufferSize bounds
// how many pending messages may queue before new writes are dropped.
func NewAsyncLogger(out io.WriteCloser, bufferSize int) *AsyncLogger {
	l := &AsyncLogger{
		out:  out,
		msgs: make(chan []byte, bufferSize),
		done: make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *AsyncLogger) run() {
	defer close(l.done)
	for msg := range l.msgs {
		if _, err := l.out.Write(msg); err != nil {
			fmt.Fprintf(os.Stderr, "asynclogger: write failed: %v\n", err)
		}
	}
}

// Write implements io.Writer. It copies p, since the caller may reuse the
// slice once Write returns, and never blocks: a full buffer drops the
// message rather than stall the caller.
func (l *AsyncLogger) Write(p []byte) (int, error) {
	buf := make([]byte, len(p))
	copy(buf, p)
	select {
	case l.msgs <- buf:
	default:
		fmt.Fprintln(os.Stderr, "asynclogger: log buffer is full, dropping message.")
	}
	return len(p), nil
}

// Close drains the pending queue and closes the underlying writer.
func (l *AsyncLogger) Close() error {
	close(l.msgs)
	<-l.done
	return l.out.Close()
}
