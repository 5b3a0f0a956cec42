// Package actor provides the mailbox actors, registry and one-for-one
// supervision the orchestration runtime is built from.
//
// An actor is a goroutine that owns its state and receives messages on a
// buffered mailbox. Actors never share mutable state; the Registry is the
// only structure shared between them.
package actor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
)

// Kind names a class of actor. Keys are unique per (Kind, ID).
type Kind string

const (
	KindBoard           Kind = "board"
	KindTaskSupervisor  Kind = "task_supervisor"
	KindTaskWorker      Kind = "task_worker"
	KindHookWorker      Kind = "hook_worker"
	KindColumnSemaphore Kind = "column_semaphore"
)

// Key identifies an actor in the Registry.
type Key struct {
	Kind Kind
	ID   string
}

// NewKey builds a Key.
func NewKey(kind Kind, id string) Key {
	return Key{Kind: kind, ID: id}
}

func (k Key) String() string {
	return string(k.Kind) + "/" + k.ID
}

var (
	// ErrDead is returned when messaging an actor that has exited.
	ErrDead = errors.New("actor: not running")
	// ErrAlreadyRegistered is returned when a live actor already holds the key.
	ErrAlreadyRegistered = errors.New("actor: already registered")
	// ErrNotFound is returned when no live actor holds the key.
	ErrNotFound = errors.New("actor: not found")
)

// DefaultMailboxSize is used when Options.MailboxSize is zero.
const DefaultMailboxSize = 64

// PanicError reports a panic recovered from an actor's run function.
type PanicError struct {
	Key   Key
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("actor %s panicked: %v", e.Key, e.Value)
}

// RunFunc is an actor body. It reads messages from self.Inbox() until ctx
// is cancelled or it decides to stop. A nil return is a normal exit.
type RunFunc func(ctx context.Context, self *Ref) error

// Options configures Spawn.
type Options struct {
	MailboxSize int
}

// Ref is a handle to a running (or exited) actor.
type Ref struct {
	key     Key
	mailbox chan any
	done    chan struct{}
	cancel  context.CancelFunc

	mu  sync.Mutex
	err error
}

// Key returns the actor's registry key.
func (r *Ref) Key() Key { return r.key }

// Inbox is the actor's mailbox. Only the actor itself should receive from it.
func (r *Ref) Inbox() <-chan any { return r.mailbox }

// Done is closed after the actor has exited and left the registry.
func (r *Ref) Done() <-chan struct{} { return r.done }

// Alive reports whether the actor is still running.
func (r *Ref) Alive() bool {
	select {
	case <-r.done:
		return false
	default:
		return true
	}
}

// Err returns the actor's exit error once Done is closed. A recovered panic
// is reported as *PanicError.
func (r *Ref) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Stop cancels the actor's context. It does not wait; use Done for that.
func (r *Ref) Stop() {
	r.cancel()
}

// StopAndWait cancels the actor and waits for it to exit or ctx to expire.
func (r *Ref) StopAndWait(ctx context.Context) error {
	r.cancel()
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Tell enqueues msg, blocking while the mailbox is full.
func (r *Ref) Tell(ctx context.Context, msg any) error {
	select {
	case <-r.done:
		return ErrDead
	default:
	}
	select {
	case r.mailbox <- msg:
		return nil
	case <-r.done:
		return ErrDead
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ask sends the message built by build and waits for the reply written to
// the provided channel. The reply channel is buffered, so the actor never
// blocks on a caller that gave up.
func Ask[T any](ctx context.Context, ref *Ref, build func(reply chan<- T) any) (T, error) {
	var zero T
	reply := make(chan T, 1)
	if err := ref.Tell(ctx, build(reply)); err != nil {
		return zero, err
	}
	select {
	case v := <-reply:
		return v, nil
	case <-ref.Done():
		select {
		case v := <-reply:
			return v, nil
		default:
			return zero, ErrDead
		}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Spawn starts run in a new goroutine under key. When reg is non-nil the
// actor is registered before Spawn returns and unregistered before Done
// closes.
func Spawn(ctx context.Context, reg *Registry, key Key, opts Options, run RunFunc) (*Ref, error) {
	size := opts.MailboxSize
	if size <= 0 {
		size = DefaultMailboxSize
	}
	actx, cancel := context.WithCancel(ctx)
	ref := &Ref{
		key:     key,
		mailbox: make(chan any, size),
		done:    make(chan struct{}),
		cancel:  cancel,
	}
	if reg != nil {
		if err := reg.Register(ref); err != nil {
			cancel()
			return nil, err
		}
	}

	go func() {
		defer close(ref.done)
		defer cancel()
		defer func() {
			if reg != nil {
				reg.unregister(ref)
			}
		}()
		defer func() {
			if rec := recover(); rec != nil {
				ref.setErr(&PanicError{Key: key, Value: rec, Stack: debug.Stack()})
			}
		}()
		ref.setErr(run(actx, ref))
	}()
	return ref, nil
}

func (r *Ref) setErr(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

type restartCountKey struct{}

// WithRestartCount records how many times the actor has been restarted.
func WithRestartCount(ctx context.Context, n int) context.Context {
	return context.WithValue(ctx, restartCountKey{}, n)
}

// RestartCount returns the restart count set by the supervisor, 0 for the
// first incarnation.
func RestartCount(ctx context.Context) int {
	n, _ := ctx.Value(restartCountKey{}).(int)
	return n
}
