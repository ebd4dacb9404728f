package collector

import (
	"log/slog"
	"time"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/lmittmann/tint"
	"go.uber.org/zap"
)

// NewActorSystemWithZapLogger bridges the application's zap logger into
// protoactor-go's own slog-based internal logging, the way the teacher's
// actorutil package does: zap's level is translated to an slog level and
// fed through a tint handler so the actor system's own diagnostic lines
// share the same console formatting as the rest of the process.
func NewActorSystemWithZapLogger(logger *zap.Logger) *actor.ActorSystem {
	stdOutLogger := zap.NewStdLog(logger)

	slogLevel := slog.LevelInfo
	switch logger.Level() {
	case zap.DebugLevel:
		slogLevel = slog.LevelDebug
	case zap.InfoLevel:
		slogLevel = slog.LevelInfo
	case zap.WarnLevel:
		slogLevel = slog.LevelWarn
	case zap.ErrorLevel, zap.PanicLevel:
		slogLevel = slog.LevelError
	}

	return actor.NewActorSystem(actor.WithLoggerFactory(func(system *actor.ActorSystem) *slog.Logger {
		return slog.New(tint.NewHandler(stdOutLogger.Writer(), &tint.Options{
			Level:      slogLevel,
			TimeFormat: time.DateTime,
		}))
	}))
}

// ActorLogger tags every line a given actor logs with its name, so log
// output from many concurrent Device Actors can be told apart.
func ActorLogger(actorName string, logger *zap.Logger) *zap.Logger {
	return logger.With(zap.String("actor", actorName))
}

// runAsync runs fn on its own goroutine and sends its result back to self
// once it completes, the way the teacher's commented-out DoBackgroundTask
// helper does. Device Actor work (connect, survey, poll) always goes
// through this rather than running inline, so a slow or hung device never
// blocks the actor's mailbox dispatch for longer than its own timeout.
func runAsync[T any](ctx actor.Context, fn func() T) {
	self := ctx.Self()
	go func() {
		result := fn()
		ctx.Send(self, result)
	}()
}
