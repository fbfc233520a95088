package blobcache

import (
	"context"
	"time"

	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
)

// NewDecayService wraps svc in a dskit service.Service that runs the
// background decay ticker for as long as the service is running, and
// closes svc's backing file on stop. Callers start it the same way any
// other node component is started (StartAsync/AwaitRunning), instead of
// managing a goroutine and a context by hand.
func NewDecayService(svc *SharedBlobCacheService, interval time.Duration) services.Service {
	var ticker *time.Ticker

	starting := func(ctx context.Context) error {
		ticker = time.NewTicker(interval)
		return nil
	}

	running := func(ctx context.Context) error {
		for {
			select {
			case <-ticker.C:
				svc.ComputeDecay()
			case <-ctx.Done():
				return nil
			}
		}
	}

	stopping := func(failureCase error) error {
		if ticker != nil {
			ticker.Stop()
		}
		if failureCase != nil {
			level.Error(svc.logger).Log("msg", "decay service stopping after failure", "err", failureCase)
		}
		return svc.Close()
	}

	return services.NewBasicService(starting, running, stopping)
}
