//go:build !linux

package scheduler

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/iopsystems/rezolus/pkg/metrics"
	"github.com/iopsystems/rezolus/pkg/sampler"
)

func New(log *zap.Logger, bpfPath string) sampler.Factory {
	return func(reg *metrics.Registry) (sampler.Sampler, error) {
		return nil, fmt.Errorf("scheduler: bpf requires linux: %w", sampler.ErrUnsupported)
	}
}
