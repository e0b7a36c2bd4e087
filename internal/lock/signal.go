package lock

import (
	"log/slog"
	"os"
	"os/signal"
)

// ReleaseOnSignal releases l and calls exit when the process is asked to terminate.
// SIGTERM exits with status 0. The returned function stops listening.
func ReleaseOnSignal(l *Lock, exit func(code int)) (stop func()) {
	signals := make(chan os.Signal, 1)
	done := make(chan struct{})
	signal.Notify(signals, releaseSignals...)

	go func() {
		select {
		case sig := <-signals:
			slog.Info("received signal, releasing lock", slog.String("signal", sig.String()))
			if err := l.Release(); err != nil {
				slog.Error("could not release lock", slog.String("error", err.Error()))
			}
			exit(exitCode(sig))
		case <-done:
		}
	}()

	return func() {
		signal.Stop(signals)
		close(done)
	}
}
