package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const serviceName = "wms-api"

var (
	buildInfoOnce sync.Once

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wms_build_info",
			Help: "Build of the running WMS account service; always 1.",
		},
		[]string{"service", "version", "commit"},
	)
)

// InitBuildInfo publishes the running build. Calling it again replaces the
// previous labels so only one series is ever exported.
func InitBuildInfo(version, commit string) {
	buildInfoOnce.Do(func() {
		prometheus.MustRegister(buildInfo)
	})
	if version == "" {
		version = "unknown"
	}
	if commit == "" {
		commit = "unknown"
	}
	buildInfo.Reset()
	buildInfo.WithLabelValues(serviceName, version, commit).Set(1)
}
