package build

import (
	"io"
	"os"

	"github.com/btcsuite/btclog"
	btclogv2 "github.com/btcsuite/btclog/v2"
)

// NewRootLogger builds the daemon's root btclog logger: a console handler
// on stderr plus, when fileOut is non-nil, a second handler writing to the
// rotating log file. The returned logger is the parent every subsystem
// logger is derived from via WithPrefix.
func NewRootLogger(fileOut io.Writer, level string) btclogv2.Logger {
	handlers := []btclogv2.Handler{
		btclogv2.NewDefaultHandler(os.Stderr),
	}
	if fileOut != nil {
		handlers = append(handlers, btclogv2.NewDefaultHandler(fileOut))
	}

	set := NewHandlerSet(handlers...)
	if lvl, ok := btclog.LevelFromString(level); ok {
		set.SetLevel(lvl)
	}

	return btclogv2.NewSLogger(set)
}
