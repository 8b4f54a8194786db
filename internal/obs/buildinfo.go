package obs

import (
	"runtime"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerBuild sync.Once

	vaultBuild = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vault_build_info",
			Help: "Running vault build and the encryption mode used for new secrets.",
		},
		[]string{"version", "commit", "go_version", "encryption_mode"},
	)
)

// InitBuildInfo publishes a single series for the running process. A later
// call with different labels replaces the previous series.
func InitBuildInfo(version, commit, encryptionMode string) {
	registerBuild.Do(func() {
		prometheus.MustRegister(vaultBuild)
	})
	vaultBuild.Reset()
	vaultBuild.WithLabelValues(version, commit, runtime.Version(), encryptionMode).Set(1)
}
