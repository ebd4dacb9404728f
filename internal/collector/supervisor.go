package collector

import (
	"fmt"
	"time"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/berfenger/sunspec-collector/internal/config"
	"github.com/berfenger/sunspec-collector/internal/telemetry"
	"github.com/berfenger/sunspec-collector/pkg/sunspec"
)

// SupervisorActor (C5) owns one DeviceActor per discovered address. It
// consumes the lazy Discovery channel as addresses arrive, spawns a child
// for each with a restart policy capped to a sliding window, and drives the
// shutdown sequence when asked to stop: ignore any further discovered
// addresses, tell every child to stop, wait up to shutdown_grace_ms, drop
// whatever hasn't exited, then close the telemetry channel so downstream
// consumers see end-of-data. The discovery channel itself is never closed
// here; its owner closes it.
type SupervisorActor struct {
	behavior actor.Behavior
	stash    *Stash

	discoveryCh <-chan telemetry.DeviceAddress
	cfg         config.SupervisorConfig
	modbusCfg   config.ModbusConfig
	pollCfg     config.PollingConfig
	sunspecCfg  config.SunSpecConfig

	registry *sunspec.Registry
	seq      *telemetry.SequenceSource
	out      chan telemetry.Observation
	metrics  Metrics
	logger   *zap.Logger

	children      map[string]*actor.PID
	discoveryDone bool
	shutdownAt    time.Time
}

func NewSupervisorActor(
	discoveryCh <-chan telemetry.DeviceAddress,
	cfg config.SupervisorConfig,
	modbusCfg config.ModbusConfig,
	pollCfg config.PollingConfig,
	sunspecCfg config.SunSpecConfig,
	registry *sunspec.Registry,
	seq *telemetry.SequenceSource,
	out chan telemetry.Observation,
	metrics Metrics,
	logger *zap.Logger,
) *SupervisorActor {
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	s := &SupervisorActor{
		behavior:    actor.NewBehavior(),
		stash:       &Stash{},
		discoveryCh: discoveryCh,
		cfg:         cfg,
		modbusCfg:   modbusCfg,
		pollCfg:     pollCfg,
		sunspecCfg:  sunspecCfg,
		registry:    registry,
		seq:         seq,
		out:         out,
		metrics:     metrics,
		logger:      ActorLogger("supervisor", logger),
		children:    make(map[string]*actor.PID),
	}
	s.behavior.Become(s.RunningReceive)
	return s
}

func (s *SupervisorActor) Receive(ctx actor.Context) {
	s.behavior.Receive(ctx)
}

type (
	discoveredAddr  struct{ addr telemetry.DeviceAddress }
	discoveryClosed struct{}
	shutdownRequest struct{}
	forceDrop       struct{}
)

func (s *SupervisorActor) RunningReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		s.logger.Debug("supervisor started")
		s.pumpDiscovery(ctx)
	case discoveredAddr:
		s.spawnChild(ctx, msg.addr)
	case discoveryClosed:
		s.discoveryDone = true
		s.logger.Info("discovery feed closed", zap.Int("devices", len(s.children)))
	case *actor.Terminated:
		s.forgetChild(msg.Who)
	case shutdownRequest:
		s.beginShutdown(ctx)
	default:
		s.stash.Stash(ctx, msg)
	}
}

// pumpDiscovery relays the external Discovery channel into the actor's own
// mailbox. The channel is owned and closed by whoever called Run; this
// actor only ever reads from it.
func (s *SupervisorActor) pumpDiscovery(ctx actor.Context) {
	self := ctx.Self()
	ch := s.discoveryCh
	go func() {
		for addr := range ch {
			ctx.Send(self, discoveredAddr{addr: addr})
		}
		ctx.Send(self, discoveryClosed{})
	}()
}

func (s *SupervisorActor) spawnChild(ctx actor.Context, addr telemetry.DeviceAddress) {
	key := addr.String()
	if _, exists := s.children[key]; exists {
		s.logger.Warn("ignoring duplicate discovery of already-supervised device", zap.String("device", key))
		return
	}

	window := time.Duration(s.cfg.RestartWindowMs) * time.Millisecond
	if window <= 0 {
		window = 10 * time.Second
	}
	maxRetries := int(s.cfg.MaxRestartAttempts)
	if maxRetries <= 0 {
		maxRetries = 1
	}

	decider := func(reason interface{}) actor.Directive {
		s.logger.Warn("device actor failure", zap.String("device", key), zap.Any("reason", reason))
		s.metrics.ActorRestart(addr.Host)
		return actor.RestartDirective
	}
	strategy := actor.NewOneForOneStrategy(maxRetries, window, decider)

	// Generated once here, not inside the producer closure: a restart calls
	// the producer again with a brand new *actor.PID, but log lines from
	// before and after the restart should still correlate to the same
	// logical device instance.
	instanceID := uuid.New()
	props := actor.PropsFromProducer(func() actor.Actor {
		return NewDeviceActor(instanceID, addr, s.modbusCfg, s.pollCfg, s.sunspecCfg, s.registry, s.seq, s.out, s.metrics, s.logger)
	}, actor.WithSupervisor(strategy))

	pid, err := ctx.SpawnNamed(props, fmt.Sprintf("device-%s", key))
	if err != nil {
		s.logger.Error("failed to spawn device actor", zap.String("device", key), zap.Error(err))
		return
	}
	s.children[key] = pid
	s.logger.Info("device actor spawned", zap.String("device", key))
}

func (s *SupervisorActor) forgetChild(who *actor.PID) {
	for key, pid := range s.children {
		if pid.Id == who.Id && pid.Address == who.Address {
			delete(s.children, key)
			s.logger.Info("device actor terminated", zap.String("device", key))
			return
		}
	}
}

// Shutdown asks the supervisor to stop: addresses still arriving on
// discoveryCh are dropped from then on (the supervisor never closes that
// channel), every child is stopped, and the supervisor waits up to
// shutdown_grace_ms before force-dropping stragglers and closing the
// telemetry channel.
func Shutdown(root *actor.RootContext, pid *actor.PID) {
	root.Send(pid, shutdownRequest{})
}

func (s *SupervisorActor) beginShutdown(ctx actor.Context) {
	s.logger.Info("shutdown requested", zap.Int("children", len(s.children)))
	s.behavior.Become(s.StoppingReceive)

	for _, pid := range s.children {
		ctx.Stop(pid)
	}

	grace := time.Duration(s.cfg.ShutdownGraceMs) * time.Millisecond
	if grace <= 0 {
		grace = 5 * time.Second
	}
	s.shutdownAt = time.Now()
	if len(s.children) == 0 {
		s.finishShutdown(ctx)
		return
	}

	time.AfterFunc(grace, func() {
		ctx.Send(ctx.Self(), forceDrop{})
	})
}

func (s *SupervisorActor) StoppingReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Terminated:
		s.forgetChild(msg.Who)
		if len(s.children) == 0 {
			s.finishShutdown(ctx)
		}
	case discoveredAddr:
		s.logger.Debug("dropping late discovery during shutdown", zap.String("device", msg.addr.String()))
	case discoveryClosed:
		s.discoveryDone = true
	case forceDrop:
		if len(s.children) > 0 {
			s.logger.Warn("force-dropping stragglers past shutdown grace", zap.Int("remaining", len(s.children)))
			for key := range s.children {
				delete(s.children, key)
			}
		}
		s.finishShutdown(ctx)
	default:
	}
}

func (s *SupervisorActor) finishShutdown(ctx actor.Context) {
	close(s.out)
	s.logger.Info("shutdown complete, telemetry channel closed")
	ctx.Stop(ctx.Self())
}
