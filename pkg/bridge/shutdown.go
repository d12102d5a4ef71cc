package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrShutdownTimeout is returned when shutdown does not finish within the grace period.
var ErrShutdownTimeout = errors.New("shutdown exceeded grace period")

// ShutdownWithin runs fn with a context bounded by grace and returns
// ErrShutdownTimeout if fn has not returned by then.
func ShutdownWithin(grace time.Duration, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%w: %s", ErrShutdownTimeout, grace)
	}
}

// Shutdown stops the timers, makes a final bounded flush of every buffer,
// announces offline status and disconnects, flushes anything that arrived
// meanwhile, then releases the Pub/Sub client
// and the HTTP server. It runs once; later calls return the first result.
func (b *Bridge) Shutdown(ctx context.Context) error {
	b.shutdownOnce.Do(func() {
		b.shutdownErr = b.shutdown(ctx)
	})
	return b.shutdownErr
}

func (b *Bridge) shutdown(ctx context.Context) error {
	b.logger.Info().Msg("Shutting down bridge...")
	var errs []error

	b.buffers.Stop()
	b.monitor.Stop()

	if err := b.finalFlush(ctx); err != nil {
		errs = append(errs, err)
	}

	if err := b.conn.Close(ctx); err != nil {
		b.logger.Warn().Err(err).Msg("Failed to publish offline status.")
		errs = append(errs, fmt.Errorf("mqtt close: %w", err))
	}
	// Messages delivered while the session was closing land in fresh buffers.
	if late := b.buffers.Total(); late > 0 {
		b.logger.Info().Int("pending", late).Msg("Flushing entries received during disconnect.")
		if err := b.finalFlush(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if stopper, ok := b.client.(Stopper); ok {
		if err := stopper.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("pubsub stop: %w", err))
		}
	}
	if err := b.presence.Close(); err != nil {
		errs = append(errs, fmt.Errorf("presence close: %w", err))
	}
	if err := b.BaseServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	if err := errors.Join(errs...); err != nil {
		b.logger.Error().Err(err).Msg("Bridge shutdown completed with errors.")
		return err
	}
	b.logger.Info().Msg("Bridge shutdown complete.")
	return nil
}

// finalFlush races FlushAll, plus any threshold flush already running,
// against FinalFlushTimeout.
func (b *Bridge) finalFlush(ctx context.Context) error {
	flushCtx, cancel := context.WithTimeout(ctx, b.cfg.FinalFlushTimeout)
	defer cancel()

	pending := b.buffers.Total()
	done := make(chan error, 1)
	go func() {
		err := b.buffers.FlushAll(flushCtx)
		b.buffers.Wait()
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			b.logger.Error().Err(err).Int("pending", pending).Msg("Final flush completed with errors.")
			return fmt.Errorf("final flush: %w", err)
		}
		b.logger.Info().Int("flushed", pending).Msg("Final flush complete.")
		return nil
	case <-flushCtx.Done():
		b.logger.Error().Dur("timeout", b.cfg.FinalFlushTimeout).Int("pending", pending).Msg("Final flush timed out.")
		return fmt.Errorf("final flush: %w", flushCtx.Err())
	}
}
