package jobs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var errNotVisible = errors.New("resource not yet visible")

const (
	verifyTimeoutKey     = "vendor.verify_timeout_seconds"
	defaultVerifyTimeout = 15
)

// verifyVisible polls path until the vendor serves the freshly written
// resource. Vendor reads are eventually consistent after a write; a
// create that never becomes readable is treated as a failed job rather
// than silently trusted.
func (h *Handlers) verifyVisible(ctx context.Context, path string) error {
	secs, err := h.tunables.GetInt(ctx, verifyTimeoutKey, defaultVerifyTimeout)

	if err != nil || secs <= 0 {
		secs = defaultVerifyTimeout
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 4 * time.Second
	bo.MaxElapsedTime = time.Duration(secs) * time.Second

	op := func() error {
		res, err := h.vendor.Get(ctx, path, nil)

		if err != nil {
			// Kill switch or open breaker: polling further is pointless.
			return backoff.Permanent(err)
		}

		if is2xx(res.Status) {
			return nil
		}

		if res.Status == http.StatusNotFound {
			return errNotVisible
		}

		return backoff.Permanent(fmt.Errorf("verify %s: vendor returned %d", path, res.Status))
	}

	err = backoff.Retry(op, backoff.WithContext(bo, ctx))

	if errors.Is(err, errNotVisible) {
		return fmt.Errorf("%w: %s", ErrVerifyTimeout, path)
	}
	return err
}
