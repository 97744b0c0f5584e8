//go:build !linux

package cpubranch

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/iopsystems/rezolus/pkg/metrics"
	"github.com/iopsystems/rezolus/pkg/sampler"
)

func New(log *zap.Logger) sampler.Factory {
	return func(reg *metrics.Registry) (sampler.Sampler, error) {
		return nil, fmt.Errorf("cpubranch: perf events require linux: %w", sampler.ErrUnsupported)
	}
}
