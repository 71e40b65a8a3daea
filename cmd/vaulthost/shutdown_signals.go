package main

import (
	"context"
	"os"
	"sync/atomic"

	"vaulthost/internal/logging"
)

// watchShutdownSignals cancels on the first signal and logs the order in
// which sequence will stop vaulthost. A repeated signal is logged once with
// the step still running. The returned func stops the watcher.
func watchShutdownSignals(logger *logging.Logger, cancel context.CancelFunc, signals <-chan os.Signal, sequence *shutdownSequence) func() {
	if signals == nil {
		return func() {}
	}

	done := make(chan struct{})
	var started atomic.Bool
	var warned atomic.Bool

	go func() {
		for {
			select {
			case <-done:
				return
			case sig, ok := <-signals:
				if !ok {
					return
				}
				fields := map[string]string{}
				if sig != nil {
					fields["signal"] = sig.String()
				}
				if started.CompareAndSwap(false, true) {
					if plan := sequence.Plan(); plan != "" {
						fields["steps"] = plan
					}
					logger.Info("shutdown signal received", fields)
					if cancel != nil {
						cancel()
					}
					continue
				}
				if warned.CompareAndSwap(false, true) {
					if step := sequence.Current(); step != "" {
						fields["step"] = step
					}
					logger.Info("shutdown already in progress; ignoring signal", fields)
				}
			}
		}
	}()

	var stopOnce atomic.Bool
	return func() {
		if stopOnce.CompareAndSwap(false, true) {
			close(done)
		}
	}
}
