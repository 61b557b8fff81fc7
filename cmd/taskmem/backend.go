package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/vinayprograms/taskmem/archive"
	"github.com/vinayprograms/taskmem/blocks"
	"github.com/vinayprograms/taskmem/bus"
	"github.com/vinayprograms/taskmem/config"
	"github.com/vinayprograms/taskmem/engine"
	"github.com/vinayprograms/taskmem/logging"
	"github.com/vinayprograms/taskmem/passage"
	"github.com/vinayprograms/taskmem/state"
	"github.com/vinayprograms/taskmem/tasks"
	"github.com/vinayprograms/taskmem/telemetry"
)

// backends is everything a command needs, opened from configuration.
type backends struct {
	conn     *nats.Conn
	kv       state.StateStore
	blocks   *blocks.KVStore
	passages *passage.BleveIndex
	bus      bus.MessageBus
	events   telemetry.Exporter
	engine   *engine.Engine
}

type openOptions struct {
	bus    bool
	tracer *telemetry.Tracer
}

// openBackends connects the configured stores. A NATS connection is
// opened once and shared by the JetStream store and the NATS bus.
func openBackends(ctx context.Context, cfg *config.Config, logger *logging.Logger, opts openOptions) (b *backends, err error) {
	b = &backends{}
	defer func() {
		if err != nil {
			b.closeStores()
			b.closeBus()
		}
	}()

	needNATS := cfg.Store.Backend == config.BackendNATS || (opts.bus && cfg.Bus.Backend == config.BackendNATS)
	if needNATS {
		ncfg := bus.DefaultNATSConfig()
		ncfg.URL = cfg.Store.NATS.URL
		ncfg.Token = cfg.Store.NATS.Token
		ncfg.User = cfg.Store.NATS.User
		ncfg.Password = cfg.Store.NATS.Password
		ncfg.BufferSize = cfg.Bus.BufferSize
		if b.conn, err = bus.Connect(ncfg); err != nil {
			return nil, err
		}
	}

	switch cfg.Store.Backend {
	case config.BackendNATS:
		scfg := state.DefaultNATSStoreConfig()
		scfg.Conn = b.conn
		scfg.Bucket = cfg.Store.NATS.Bucket
		b.kv, err = state.NewNATSStore(ctx, scfg)
	case config.BackendRedis:
		rcfg := state.DefaultRedisStoreConfig()
		rcfg.Addr = cfg.Store.Redis.Addr
		rcfg.Password = cfg.Store.Redis.Password
		rcfg.DB = cfg.Store.Redis.DB
		rcfg.Prefix = cfg.Store.Redis.KeyPrefix
		b.kv, err = state.NewRedisStore(ctx, rcfg)
	default:
		b.kv = state.NewMemoryStore()
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Backend, err)
	}
	b.blocks = blocks.NewKVStore(b.kv)

	pcfg := passage.BleveConfig{}
	if cfg.Passages.Backend == config.BackendBleve {
		pcfg.Path = cfg.Passages.Path
	}
	if b.passages, err = passage.NewBleveIndex(pcfg); err != nil {
		return nil, fmt.Errorf("open passage index: %w", err)
	}

	if opts.bus {
		switch cfg.Bus.Backend {
		case config.BackendNATS:
			ncfg := bus.DefaultNATSConfig()
			ncfg.BufferSize = cfg.Bus.BufferSize
			b.bus = bus.NewNATSBusFromConn(b.conn, ncfg)
		default:
			b.bus = bus.NewMemoryBus(bus.Config{BufferSize: cfg.Bus.BufferSize})
		}
	}

	protocol, target, err := config.ParseEventSink(cfg.Telemetry.Events)
	if err != nil {
		return nil, err
	}
	if b.events, err = telemetry.NewExporter(protocol, target); err != nil {
		return nil, fmt.Errorf("open event exporter: %w", err)
	}

	archiveOpts := []archive.Option{
		archive.WithCapacity(cfg.Archive.Capacity),
		archive.WithLogger(logger.WithComponent("archive")),
	}
	if ttl := cfg.Archive.LockTTL.Duration; ttl > 0 {
		archiveOpts = append(archiveOpts, archive.WithDistributedLock(b.kv, ttl))
	}
	arch := archive.New(b.blocks, b.passages, archiveOpts...)

	engineOpts := []engine.Option{
		engine.WithLogger(logger.WithComponent("engine")),
		engine.WithEventExporter(b.events),
	}
	if opts.tracer != nil {
		engineOpts = append(engineOpts, engine.WithTracer(opts.tracer))
	}
	b.engine = engine.New(tasks.NewStore(b.blocks), arch, engineOpts...)
	return b, nil
}

// closeBus closes the bus and, last, the shared NATS connection.
func (b *backends) closeBus() error {
	var errs []error
	if b.bus != nil {
		errs = append(errs, b.bus.Close())
		b.bus = nil
	}
	if b.conn != nil && b.kv == nil {
		b.conn.Close()
		b.conn = nil
	}
	return errors.Join(errs...)
}

// closeStores flushes the event exporter and closes the stores.
func (b *backends) closeStores() error {
	var errs []error
	if b.events != nil {
		errs = append(errs, b.events.Close())
		b.events = nil
	}
	if b.passages != nil {
		errs = append(errs, b.passages.Close())
		b.passages = nil
	}
	if b.kv != nil {
		errs = append(errs, b.kv.Close())
		b.kv = nil
	}
	if b.conn != nil && b.bus == nil {
		b.conn.Close()
		b.conn = nil
	}
	return errors.Join(errs...)
}

// Close releases everything.
func (b *backends) Close() error {
	return errors.Join(b.closeBus(), b.closeStores())
}
