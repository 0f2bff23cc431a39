package coordinate

import (
	"bytes"
	"strings"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestLogFnLevelGate(t *testing.T) {
	out := &bytes.Buffer{}
	restore := Logger().Writer()
	Logger().SetOutput(out)
	defer Logger().SetOutput(restore)

	savedLevel := GlobalLogLevel
	defer func() {
		GlobalLogLevel = savedLevel
	}()

	GlobalLogLevel = LogLevelUrgent
	debugLog := LogFn(LogLevelDebug, "persist")
	debugLog("debounce fired")
	assert.Equal(t, "", out.String())

	GlobalLogLevel = LogLevelDebug
	debugLog("debounce fired")
	assert.Equal(t, true, strings.Contains(out.String(), "persist: debounce fired"))

	out.Reset()
	opLog := SubLogFn(LogLevelDebug, debugLog, "n1")
	opLog("completed (%.2fms)", 1.5)
	assert.Equal(t, true, strings.Contains(out.String(), "persist: n1: completed (1.50ms)"))
}
