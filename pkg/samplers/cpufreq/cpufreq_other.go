//go:build !linux

package cpufreq

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/iopsystems/rezolus/pkg/metrics"
	"github.com/iopsystems/rezolus/pkg/sampler"
)

// New reports the sampler as unsupported off Linux; perf events are a
// Linux-only facility.
func New(log *zap.Logger) sampler.Factory {
	return func(reg *metrics.Registry) (sampler.Sampler, error) {
		return nil, fmt.Errorf("cpufreq: perf events require linux: %w", sampler.ErrUnsupported)
	}
}
