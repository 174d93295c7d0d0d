package registry

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// KeeperOptions describes the provider a Keeper announces.
type KeeperOptions struct {
	Services   []string
	Host       string
	Port       int
	InstanceID string
	Interval   time.Duration // defaults to DefaultHeartbeatInterval
	Logger     *logrus.Entry
}

// Keeper keeps a provider's services registered. It registers every service once, then sends a
// heartbeat for each of them every interval on its own goroutine. Failures are logged and
// retried on the next tick; a heartbeat the registry does not recognize (the lease expired and was
// dropped) is followed by a fresh registration.
type Keeper struct {
	reg  Registry
	opts KeeperOptions
	log  *logrus.Entry

	mu         sync.Mutex
	registered map[string]bool
	cancel     context.CancelFunc
	done       chan struct{}
}

func NewKeeper(reg Registry, opts KeeperOptions) *Keeper {
	if opts.Interval <= 0 {
		opts.Interval = DefaultHeartbeatInterval
	}
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Keeper{
		reg:        reg,
		opts:       opts,
		log:        log.WithFields(logrus.Fields{"component": "keeper", "instance": opts.InstanceID}),
		registered: make(map[string]bool),
	}
}

// Start registers every service and starts the heartbeat loop. The loop runs until Stop or
// until ctx is done. Calling Start on a running Keeper does nothing.
func (k *Keeper) Start(ctx context.Context) {
	k.mu.Lock()
	if k.cancel != nil {
		k.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	k.cancel = cancel
	k.done = make(chan struct{})
	k.mu.Unlock()

	k.beat(loopCtx)
	go k.loop(loopCtx)
}

func (k *Keeper) loop(ctx context.Context) {
	defer close(k.done)
	ticker := time.NewTicker(k.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			k.beat(ctx)
		}
	}
}

// beat runs one round: register what is not registered yet, heartbeat the rest.
func (k *Keeper) beat(ctx context.Context) {
	for _, svc := range k.opts.Services {
		if ctx.Err() != nil {
			return
		}
		// A slow registry must not let rounds pile up.
		opCtx, cancel := context.WithTimeout(ctx, k.opts.Interval)
		k.beatOne(opCtx, svc)
		cancel()
	}
}

func (k *Keeper) beatOne(ctx context.Context, svc string) {
	log := k.log.WithField("service", svc)

	k.mu.Lock()
	registered := k.registered[svc]
	k.mu.Unlock()

	if registered {
		ok, err := k.reg.Heartbeat(ctx, svc, k.opts.InstanceID)
		if err != nil {
			log.Warnf("Heartbeat failed, retrying next tick: %v", err)
			return
		}
		if ok {
			return
		}
		log.Info("Lease unknown to the registry, registering again")
	}

	if err := k.reg.Register(ctx, svc, k.opts.Host, k.opts.Port, k.opts.InstanceID); err != nil {
		log.Warnf("Register failed, retrying next tick: %v", err)
		k.setRegistered(svc, false)
		return
	}
	if !registered {
		log.Infof("Registered at %s:%d", k.opts.Host, k.opts.Port)
	}
	k.setRegistered(svc, true)
}

func (k *Keeper) setRegistered(svc string, v bool) {
	k.mu.Lock()
	k.registered[svc] = v
	k.mu.Unlock()
}

// Stop ends the heartbeat loop and deregisters every service. It returns the first
// deregistration error; the others are logged.
func (k *Keeper) Stop(ctx context.Context) error {
	k.mu.Lock()
	cancel, done := k.cancel, k.done
	k.cancel = nil
	k.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done

	var first error
	for _, svc := range k.opts.Services {
		if err := k.reg.Deregister(ctx, svc, k.opts.InstanceID); err != nil {
			k.log.WithField("service", svc).Warnf("Deregister failed: %v", err)
			if first == nil {
				first = errors.Wrapf(err, "deregister %s", svc)
			}
			continue
		}
		k.setRegistered(svc, false)
	}
	return first
}
