package actor

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// ErrRestartIntensity is returned by Supervisor.Run when children crash more
// often than the configured intensity allows.
var ErrRestartIntensity = errors.New("actor: restart intensity exceeded")

// ChildSpec describes a supervised child.
type ChildSpec struct {
	Key         Key
	MailboxSize int
	Run         RunFunc
}

// SupervisorConfig configures a one-for-one supervisor.
type SupervisorConfig struct {
	// MaxRestarts within Window before the supervisor gives up.
	MaxRestarts int
	Window      time.Duration
	Logger      *slog.Logger
	// OnRestart is called before a crashed child is started again.
	OnRestart func(key Key, restart int, cause error)
}

// Supervisor restarts each crashed child independently (one-for-one). A
// child that returns nil is not restarted.
type Supervisor struct {
	reg    *Registry
	cfg    SupervisorConfig
	specs  []ChildSpec
	logger *slog.Logger
}

type childExit struct {
	index int
	ref   *Ref
}

// NewSupervisor builds a supervisor over specs.
func NewSupervisor(reg *Registry, cfg SupervisorConfig, specs ...ChildSpec) *Supervisor {
	if cfg.MaxRestarts <= 0 {
		cfg.MaxRestarts = 3
	}
	if cfg.Window <= 0 {
		cfg.Window = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{reg: reg, cfg: cfg, specs: specs, logger: logger}
}

// Run starts every child and supervises them until ctx is cancelled, every
// child has exited normally, or restart intensity is exceeded. Children are
// stopped and awaited before Run returns.
func (s *Supervisor) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	exits := make(chan childExit, len(s.specs))
	live := make(map[int]*Ref, len(s.specs))
	restarts := make(map[int]int, len(s.specs))
	var history []time.Time

	start := func(i int) error {
		spec := s.specs[i]
		cctx := WithRestartCount(ctx, restarts[i])
		ref, err := Spawn(cctx, s.reg, spec.Key, Options{MailboxSize: spec.MailboxSize}, spec.Run)
		if err != nil {
			return err
		}
		live[i] = ref
		go func() {
			<-ref.Done()
			exits <- childExit{index: i, ref: ref}
		}()
		return nil
	}

	stopAll := func() {
		cancel()
		for _, ref := range live {
			<-ref.Done()
		}
	}

	for i := range s.specs {
		if err := start(i); err != nil {
			stopAll()
			return err
		}
	}

	for {
		if len(live) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			stopAll()
			return nil
		case ex := <-exits:
			if live[ex.index] != ex.ref {
				continue
			}
			delete(live, ex.index)
			err := ex.ref.Err()
			if err == nil || ctx.Err() != nil {
				continue
			}

			now := time.Now()
			history = append(history, now)
			cutoff := now.Add(-s.cfg.Window)
			for len(history) > 0 && history[0].Before(cutoff) {
				history = history[1:]
			}
			if len(history) > s.cfg.MaxRestarts {
				s.logger.Error("restart intensity exceeded; shutting down children",
					"actor", ex.ref.Key().String(),
					"max_restarts", s.cfg.MaxRestarts,
					"window", s.cfg.Window.String(),
					"error", err,
				)
				stopAll()
				return ErrRestartIntensity
			}

			restarts[ex.index]++
			s.logger.Warn("restarting crashed actor",
				"actor", ex.ref.Key().String(),
				"restart", restarts[ex.index],
				"error", err,
			)
			if s.cfg.OnRestart != nil {
				s.cfg.OnRestart(ex.ref.Key(), restarts[ex.index], err)
			}
			if err := start(ex.index); err != nil {
				s.logger.Error("restart failed", "actor", ex.ref.Key().String(), "error", err)
				stopAll()
				return err
			}
		}
	}
}
