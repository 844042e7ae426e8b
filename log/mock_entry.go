package log

import (
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

// NewMockEntry returns a silent log entry plus a hook that records all
// messages written to it, for use in tests.
func NewMockEntry() (*logrus.Entry, *MockLoggerHook) {
	nullLogger, _ := test.NewNullLogger()
	nullLogger.Level = logrus.TraceLevel

	entry := logrus.Entry{Logger: nullLogger}
	hook := MockLoggerHook{}

	entry.Logger.AddHook(&hook)

	return &entry, &hook
}

type MockLoggerHook struct {
	Messages []string
	mu       sync.Mutex
}

// Levels implements `logrus.Hook`.
func (h *MockLoggerHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire implements `logrus.Hook`.
func (h *MockLoggerHook) Fire(entry *logrus.Entry) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.Messages = append(h.Messages, entry.Message)

	return nil
}

// Reset clears all recorded messages.
func (h *MockLoggerHook) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.Messages = nil
}
