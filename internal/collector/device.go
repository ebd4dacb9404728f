package collector

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/scheduler"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"

	"github.com/berfenger/sunspec-collector/internal/config"
	"github.com/berfenger/sunspec-collector/internal/telemetry"
	"github.com/berfenger/sunspec-collector/pkg/sunspec"
)

// DeviceActor is one cooperative task per device address, holding its own
// Modbus Client instance and carrying it through the state machine
// Disconnected -> Connected -> Discovering -> Polling -> Backoff -> ...,
// the same one-connection-per-actor shape as the teacher's ModbusActor
// generalized from a single hardcoded Fronius device to any discovered
// SunSpec address.
type DeviceActor struct {
	behavior  actor.Behavior
	stash     *Stash
	scheduler *scheduler.TimerScheduler

	instanceID uuid.UUID
	address    telemetry.DeviceAddress
	modbusCfg  config.ModbusConfig
	pollCfg    config.PollingConfig
	sunspecCfg config.SunSpecConfig

	registry *sunspec.Registry
	seq      *telemetry.SequenceSource
	out      chan<- telemetry.Observation
	metrics  Metrics
	logger   *zap.Logger

	client *sunspec.Client
	blocks []sunspec.Block
	models map[uint16]*sunspec.ModelDescriptor

	backoffAttempt int
	cycleStart     time.Time
}

// NewDeviceActor constructs a DeviceActor for one discovered address. The
// Modbus Client is not created until the actor starts.
func NewDeviceActor(
	instanceID uuid.UUID,
	address telemetry.DeviceAddress,
	modbusCfg config.ModbusConfig,
	pollCfg config.PollingConfig,
	sunspecCfg config.SunSpecConfig,
	registry *sunspec.Registry,
	seq *telemetry.SequenceSource,
	out chan<- telemetry.Observation,
	metrics Metrics,
	logger *zap.Logger,
) *DeviceActor {
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	d := &DeviceActor{
		instanceID: instanceID,
		behavior:   actor.NewBehavior(),
		stash:      &Stash{},
		address:    address,
		modbusCfg:  modbusCfg,
		pollCfg:    pollCfg,
		sunspecCfg: sunspecCfg,
		registry:   registry,
		seq:        seq,
		out:        out,
		metrics:    metrics,
		logger: ActorLogger(fmt.Sprintf("device[%s]", address), logger).
			With(zap.String("instance_id", instanceID.String())),
		models: make(map[uint16]*sunspec.ModelDescriptor),
	}
	d.behavior.Become(d.DisconnectedReceive)
	return d
}

func (d *DeviceActor) Receive(ctx actor.Context) {
	d.behavior.Receive(ctx)
}

// Message types driving the state machine. They're unexported: nothing
// outside this actor's own mailbox ever needs to construct one.
type (
	connectResult struct {
		client *sunspec.Client
		err    error
	}
	surveyResult  struct {
		blocks []sunspec.Block
		err    error
	}
	pollResult struct {
		obs telemetry.Observation
		err error
	}
	pollTick    struct{}
	backoffTick struct{}
)

// --- Disconnected ---

func (d *DeviceActor) DisconnectedReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		d.logger.Debug("disconnected: started")
		d.beginConnect(ctx)
	case backoffTick:
		d.logger.Debug("disconnected: reconnect after backoff")
		d.beginConnect(ctx)
	case connectResult:
		if msg.err != nil {
			d.logger.Warn("connect failed", zap.Error(msg.err))
			d.metrics.PollError(d.address.Host, "connect")
			d.enterBackoff(ctx)
			return
		}
		d.logger.Debug("connected")
		d.client = msg.client
		d.behavior.Become(d.ConnectedReceive)
		d.beginSurvey(ctx)
		d.stash.UnstashAll(ctx)
	case *actor.Stopping:
		d.closeClient()
	default:
		d.stash.Stash(ctx, msg)
	}
}

func (d *DeviceActor) beginConnect(ctx actor.Context) {
	cfg := sunspec.ClientConfig{
		Host:            d.address.Host,
		Port:            d.address.Port,
		UnitID:          d.address.UnitID,
		MaxBatchSize:    uint16(d.modbusCfg.MaxBatchSize),
		Timeout:         time.Duration(d.modbusCfg.ModbusTimeoutMs) * time.Millisecond,
		RetryCount:      int(d.modbusCfg.MaxRetries),
		RetryBackoff:    time.Duration(d.modbusCfg.BaseBackoffMs) * time.Millisecond,
		RetryMaxBackoff: time.Duration(d.modbusCfg.MaxBackoffMs) * time.Millisecond,
	}

	runAsync(ctx, func() connectResult {
		client, err := sunspec.NewClient(cfg, logrus.New(), nil)
		if err != nil {
			return connectResult{err: err}
		}
		if err := client.Open(); err != nil {
			return connectResult{err: err}
		}
		return connectResult{client: client}
	})
}

// --- Connected ---

func (d *DeviceActor) ConnectedReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case surveyResult:
		if msg.err != nil {
			d.logger.Warn("survey failed", zap.Error(msg.err))
			d.metrics.PollError(d.address.Host, "survey")
			d.closeClient()
			d.enterBackoff(ctx)
			return
		}
		d.blocks = msg.blocks
		d.behavior.Become(d.DiscoveringReceive)
		d.resolveModels(ctx)
		d.stash.UnstashAll(ctx)
	case *actor.Stopping:
		d.closeClient()
	default:
		d.stash.Stash(ctx, msg)
	}
}

func (d *DeviceActor) beginSurvey(ctx actor.Context) {
	client := d.client
	base := uint16(d.sunspecCfg.BaseAddress)
	runAsync(ctx, func() surveyResult {
		blocks, err := sunspec.Survey(client, base)
		return surveyResult{blocks: blocks, err: err}
	})
}

// --- Discovering ---
//
// Resolving a model id against the registry is pure, local lookup: no I/O,
// so this state runs synchronously and falls straight through to Polling.
// It is entered and left within the same message handler; a restarted
// actor always begins again in Disconnected.
func (d *DeviceActor) DiscoveringReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Stopping:
		d.closeClient()
	default:
		d.stash.Stash(ctx, msg)
	}
}

func (d *DeviceActor) resolveModels(ctx actor.Context) {
	d.models = make(map[uint16]*sunspec.ModelDescriptor, len(d.blocks))
	for _, b := range d.blocks {
		desc, ok := d.registry.Lookup(b.ModelID)
		if !ok {
			d.logger.Warn("skipping unregistered model", zap.Uint16("model_id", b.ModelID))
			continue
		}
		d.models[b.ModelID] = desc
	}

	d.behavior.Become(d.PollingReceive)
	d.schedulePoll(ctx, 0)
}

// --- Polling ---

func (d *DeviceActor) PollingReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case pollTick:
		d.cycleStart = time.Now()
		d.beginPoll(ctx)
		d.behavior.BecomeStacked(d.WaitingPollReceive)
	case *actor.Stopping:
		d.closeClient()
	default:
		d.stash.Stash(ctx, msg)
	}
}

func (d *DeviceActor) WaitingPollReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case pollResult:
		if msg.err != nil {
			d.logger.Warn("poll failed", zap.Error(msg.err))
			d.metrics.PollError(d.address.Host, "poll")
			d.closeClient()
			d.behavior.Become(d.DisconnectedReceive)
			d.enterBackoff(ctx)
			return
		}

		d.metrics.PollSuccess(d.address.Host)
		lag := time.Since(d.cycleStart) - time.Duration(d.pollCfg.PollIntervalMs)*time.Millisecond
		d.metrics.LoopLag(lag)
		d.emit(msg.obs)

		d.backoffAttempt = 0
		d.behavior.UnbecomeStacked()
		jitter := jitterDuration(d.pollCfg.JitterMs)
		d.schedulePoll(ctx, time.Duration(d.pollCfg.PollIntervalMs)*time.Millisecond+jitter)
		d.stash.UnstashAll(ctx)
	case *actor.Stopping:
		d.closeClient()
	default:
		d.stash.Stash(ctx, msg)
	}
}

func (d *DeviceActor) beginPoll(ctx actor.Context) {
	client := d.client
	models := d.models
	blocks := d.blocks
	seq := d.seq
	addr := d.address

	runAsync(ctx, func() pollResult {
		readings := make([]telemetry.ModelReading, 0, len(blocks))
		for _, b := range blocks {
			desc, ok := models[b.ModelID]
			if !ok {
				continue
			}
			regs, err := client.ReadHoldingRegisters(b.Address, b.Length)
			if err != nil {
				return pollResult{err: err}
			}
			decoded, err := sunspec.DecodeModel(desc, regs)
			if err != nil {
				return pollResult{err: err}
			}
			readings = append(readings, telemetry.ModelReading{
				ModelID: b.ModelID,
				Fields:  fieldsToMap(decoded),
			})
		}

		obs := telemetry.Observation{
			Sequence:    seq.Next(),
			TimestampMs: time.Now().UnixMilli(),
			Device:      addr,
			Models:      readings,
		}
		return pollResult{obs: obs}
	})
}

func fieldsToMap(fields []sunspec.DecodedField) map[string]telemetry.FieldValue {
	out := make(map[string]telemetry.FieldValue, len(fields))
	for _, f := range fields {
		if f.Field.Encoding == sunspec.EncodingString {
			out[f.Field.Name] = telemetry.FieldValue{IsText: true, Text: f.Text, NotImplemented: !f.OK}
			continue
		}
		// A field with no ScaleField was never passed through a power-of-10
		// factor: it's a raw integer reading (enum, bitfield, count, or a
		// scale-factor field itself), not a scaled engineering-unit value.
		// EncodingFloat32 is always a real (the SunSpec spec never declares
		// a scale factor for it, since it carries its own exponent).
		isInt := f.Field.ScaleField == "" && f.Field.Encoding != sunspec.EncodingFloat32
		out[f.Field.Name] = telemetry.FieldValue{Number: f.Value, IsInt: isInt, NotImplemented: !f.OK}
	}
	return out
}

// emit delivers obs on the bounded telemetry channel. A zero emit timeout
// disables blocking entirely: the Observation is dropped immediately if
// the channel isn't ready. Otherwise the actor blocks cooperatively for up
// to the configured timeout before dropping, per the emission contract.
func (d *DeviceActor) emit(obs telemetry.Observation) {
	if d.pollCfg.EmitTimeoutMs == 0 {
		select {
		case d.out <- obs:
		default:
			d.metrics.ChannelOverflow(d.address.Host)
		}
		return
	}

	timer := time.NewTimer(time.Duration(d.pollCfg.EmitTimeoutMs) * time.Millisecond)
	defer timer.Stop()
	select {
	case d.out <- obs:
	case <-timer.C:
		d.metrics.ChannelOverflow(d.address.Host)
	}
}

func (d *DeviceActor) schedulePoll(ctx actor.Context, after time.Duration) {
	if d.scheduler == nil {
		d.scheduler = scheduler.NewTimerScheduler(ctx)
	}
	d.scheduler.RequestOnce(after, ctx.Self(), pollTick{})
}

// --- Backoff ---

func (d *DeviceActor) enterBackoff(ctx actor.Context) {
	d.behavior.Become(d.BackoffReceive)
	delay := backoffDuration(d.modbusCfg, d.backoffAttempt)
	d.backoffAttempt++
	if d.scheduler == nil {
		d.scheduler = scheduler.NewTimerScheduler(ctx)
	}
	d.scheduler.RequestOnce(delay, ctx.Self(), backoffTick{})
}

func (d *DeviceActor) BackoffReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case backoffTick:
		d.behavior.Become(d.DisconnectedReceive)
		d.beginConnect(ctx)
		d.stash.UnstashAll(ctx)
	case *actor.Stopping:
		d.closeClient()
	default:
		d.stash.Stash(ctx, msg)
	}
}

func (d *DeviceActor) closeClient() {
	if d.client != nil {
		_ = d.client.Close()
		d.client = nil
	}
}

// backoffDuration computes exponential backoff from the modbus retry
// config, reused here as the Device Actor's own reconnect backoff since
// spec.md does not give the actor-level backoff its own separate knobs.
func backoffDuration(cfg config.ModbusConfig, attempt int) time.Duration {
	base := time.Duration(cfg.BaseBackoffMs) * time.Millisecond
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	max := time.Duration(cfg.MaxBackoffMs) * time.Millisecond
	if max <= 0 {
		max = 30 * time.Second
	}
	delay := base << uint(attempt)
	if delay <= 0 || delay > max {
		delay = max
	}
	return delay
}

func jitterDuration(jitterMs uint) time.Duration {
	if jitterMs == 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(jitterMs))) * time.Millisecond
}
