//go:build !linux

package platformx

import (
	"github.com/m-lab/relay-throughput/logging"
)

func maybeEmitWarning() {
	logging.Logger.Warn("This platform is not officially supported: the kernel goodput cross-check and per-stream congestion control are disabled.")
}
