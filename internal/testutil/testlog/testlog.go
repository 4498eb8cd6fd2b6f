// Package testlog routes package tests through the shared logger setup.
package testlog

import (
	"testing"

	"github.com/danmuck/ikrelay/internal/logging"
)

func Start(t testing.TB) {
	t.Helper()
	logging.ConfigureTests()
	logger := logging.For("test")
	logger.Debug().Str("test", t.Name()).Msg("test start")
}
