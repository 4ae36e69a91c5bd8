package region

import (
	"context"
	"errors"
	"fmt"

	"github.com/datawire/dlib/dlog"

	"github.com/IvanBrykalov/gridclient/entries"
)

// action is the state of one mutating operation as it moves through
// checkArgs, the remote step and the local step.
type action[K comparable, V any] struct {
	kind  Kind
	key   K
	value V
	arg   any
	flags EventFlags

	delta   entries.Delta[V]
	version *entries.VersionTag
	tracker entries.Tracker

	// remote: the server was (or will be) updated before the map.
	remote bool
	// replay: a committed transaction is applying its local effect.
	replay bool
	// absent: PutIfAbsent found no value, so the local put goes ahead.
	absent bool
	// noop: nothing changed locally; no listener event.
	noop bool

	old    V
	hasOld bool
}

func (r *Region[K, V]) newAction(kind Kind, k K, v V, arg any, flags EventFlags) *action[K, V] {
	return &action[K, V]{kind: kind, key: k, value: v, arg: arg, flags: flags}
}

func (a *action[K, V]) setOld(v V) {
	a.old, a.hasOld = v, true
}

// checkArgs validates the inputs before any side effect.
func (r *Region[K, V]) checkArgs(a *action[K, V]) error {
	if err := r.checkKey(a.key); err != nil {
		return err
	}
	switch a.kind {
	case KindPut, KindPutIfAbsent:
		if a.delta == nil && isNil(a.value) {
			return fmt.Errorf("%w: %s of %v needs a value or a delta", ErrIllegalArgument, a.kind, a.key)
		}
	}
	return nil
}

// update drives one action to completion.
func (r *Region[K, V]) update(ctx context.Context, a *action[K, V]) error {
	if err := r.checkArgs(a); err != nil {
		return err
	}
	if r.destroyed.Load() {
		return ErrRegionDestroyed
	}
	a.remote = r.attrs.Remote != nil && !a.flags.IsLocal() && !a.flags.IsNotification()

	tx := TxFromContext(ctx)
	if tx != nil && !a.flags.IsNotification() {
		if !a.remote {
			return fmt.Errorf("%w: local %s inside transaction %d", ErrNotSupported, a.kind, tx.ID())
		}
		return r.updateTx(ctx, tx, a)
	}

	if r.caching() && a.kind != KindCreate {
		r.callbackOldValue(a)
	}
	if err := r.invokeWriter(ctx, a); err != nil {
		return err
	}

	if a.remote {
		if r.caching() {
			if err := r.checkLocal(a); err != nil {
				return err
			}
			if !r.attrs.ConcurrencyChecks {
				a.tracker = r.m.AddTracker(a.key)
				defer r.m.RemoveTracker(a.key)
			}
		}
		if err := r.remoteUpdate(ctx, a); err != nil {
			return err
		}
	}

	err := r.localUpdate(ctx, a)
	switch {
	case err == nil:
	case errors.Is(err, entries.ErrEntryUpdated):
		dlog.Debugf(r.attrs.LogContext, "%s %v: entry changed during the remote call, local update skipped", a.kind, a.key)
	case errors.Is(err, ErrConcurrentModification):
		dlog.Debugf(r.attrs.LogContext, "%s %v: stale version %v rejected", a.kind, a.key, a.version)
		a.noop = true
	default:
		return err
	}
	r.complete(ctx, a)
	return nil
}

// callbackOldValue reads the pre-image for events. Overflowed values are
// not read back for it.
func (r *Region[K, V]) callbackOldValue(a *action[K, V]) {
	if e, v, ok := r.m.GetEntry(a.key); ok && e.Token() == entries.TokenNone {
		a.setOld(v)
	}
}

func (r *Region[K, V]) invokeWriter(ctx context.Context, a *action[K, V]) error {
	w := r.attrs.Writer
	if w == nil || !a.flags.InvokeCacheWriter() {
		return nil
	}
	if err := w.BeforeEvent(ctx, r.event(a)); err != nil {
		return fmt.Errorf("%w: %s %v: %v", ErrCacheWriter, a.kind, a.key, err)
	}
	return nil
}

// checkLocal runs the local preconditions of a client operation before
// the server is asked.
func (r *Region[K, V]) checkLocal(a *action[K, V]) error {
	switch a.kind {
	case KindCreate:
		if e, _, ok := r.m.GetEntry(a.key); ok && !e.Token().Absent() && e.Token() != entries.TokenInvalid {
			return fmt.Errorf("%w: %v", ErrEntryExists, a.key)
		}
	case KindRemove:
		e, v, ok := r.m.GetEntry(a.key)
		if !ok || e.Token() != entries.TokenNone {
			// nothing to compare; the server decides
			return nil
		}
		return r.compare(a, v)
	}
	return nil
}

// compare fails with ErrEntryNotFound unless cur equals the expected value.
func (r *Region[K, V]) compare(a *action[K, V], cur V) error {
	eq, err := r.attrs.Equality(cur, a.value)
	if err != nil {
		return fmt.Errorf("remove %v: %w", a.key, err)
	}
	if !eq {
		return fmt.Errorf("%w: %v does not hold the expected value", ErrEntryNotFound, a.key)
	}
	return nil
}

// remoteUpdate sends the action to the server and takes the version it
// answers with.
func (r *Region[K, V]) remoteUpdate(ctx context.Context, a *action[K, V]) error {
	rctx, cancel := context.WithTimeout(ctx, r.attrs.RemoteTimeout)
	defer cancel()

	var (
		resp Response[V]
		err  error
		rem  = r.attrs.Remote
	)
	switch a.kind {
	case KindPut, KindPutTx:
		resp, err = rem.Put(rctx, a.key, a.value, a.arg)
	case KindPutIfAbsent:
		resp, err = rem.PutIfAbsent(rctx, a.key, a.value, a.arg)
	case KindCreate:
		resp, err = rem.Create(rctx, a.key, a.value, a.arg)
	case KindDestroy:
		resp, err = rem.Destroy(rctx, a.key, a.arg)
	case KindRemove:
		resp, err = rem.Remove(rctx, a.key, a.value, a.arg)
	case KindRemoveUnconditional:
		resp, err = rem.RemoveEx(rctx, a.key, a.arg)
	case KindInvalidate:
		resp, err = rem.Invalidate(rctx, a.key, a.arg)
	default:
		return fmt.Errorf("%w: remote %s", ErrNotSupported, a.kind)
	}
	if err != nil {
		return r.remoteError(rctx, a.kind.String(), err)
	}

	a.version = resp.Version
	if a.kind == KindPutIfAbsent {
		a.absent = !resp.HasOld
	}
	if resp.HasOld {
		a.setOld(resp.Old)
	}
	return nil
}

func (r *Region[K, V]) remoteGet(ctx context.Context, k K, arg any) (V, *entries.VersionTag, error) {
	rctx, cancel := context.WithTimeout(ctx, r.attrs.RemoteTimeout)
	defer cancel()
	v, tag, err := r.attrs.Remote.Get(rctx, k, arg)
	if err != nil {
		var zero V
		return zero, nil, r.remoteError(rctx, "get", err)
	}
	return v, tag, nil
}

// remoteError classifies a remote failure. A missed deadline becomes
// ErrTimeout; anything else keeps its kind.
func (r *Region[K, V]) remoteError(rctx context.Context, op string, err error) error {
	if errors.Is(err, ErrTimeout) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(rctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s after %v: %v", ErrTimeout, op, r.attrs.RemoteTimeout, err)
	}
	return fmt.Errorf("remote %s: %w", op, err)
}

// localUpdate applies the action to the entries map. Changes that already
// happened on the server tolerate a key that is gone locally.
func (r *Region[K, V]) localUpdate(ctx context.Context, a *action[K, V]) error {
	if !r.caching() {
		return nil
	}
	o := entries.UpdateOptions[V]{
		Tracker:     a.tracker,
		Version:     a.version,
		Delta:       a.delta,
		AfterRemote: a.remote || a.replay || a.flags.IsNotification(),
	}

	var (
		res entries.Result[K, V]
		err error
	)
	switch a.kind {
	case KindPut, KindPutTx:
		res, err = r.m.Put(a.key, a.value, o)
		if errors.Is(err, entries.ErrInvalidDelta) {
			res, err = r.refetch(ctx, a, o)
		}
	case KindPutIfAbsent:
		if a.remote {
			if !a.absent {
				a.noop = true
				return nil
			}
			res, err = r.m.Put(a.key, a.value, o)
			break
		}
		res, err = r.m.Create(a.key, a.value, o)
		if errors.Is(err, ErrEntryExists) {
			a.noop = true
			if e, v, ok := r.m.GetEntry(a.key); ok && e.Token() == entries.TokenNone {
				a.setOld(v)
			}
			return nil
		}
		// an eviction failure after the insert still inserted it
		a.absent = err == nil || errors.Is(err, entries.ErrOverflow)
	case KindCreate:
		if o.AfterRemote {
			res, err = r.m.Put(a.key, a.value, o)
		} else {
			res, err = r.m.Create(a.key, a.value, o)
		}
	case KindRemove:
		if !o.AfterRemote {
			o.Condition = func(cur V) error { return r.compare(a, cur) }
		}
		res, err = r.m.Remove(a.key, o)
		if errors.Is(err, ErrEntryNotFound) && !o.AfterRemote {
			return fmt.Errorf("remove %v: %w", a.key, err)
		}
	case KindDestroy, KindRemoveUnconditional:
		res, err = r.m.Remove(a.key, o)
	case KindInvalidate:
		res, err = r.m.Invalidate(a.key, o)
	default:
		return fmt.Errorf("%w: local %s", ErrNotSupported, a.kind)
	}

	switch {
	case errors.Is(err, entries.ErrClosed):
		return ErrRegionDestroyed
	case errors.Is(err, ErrEntryNotFound) && o.AfterRemote:
		if a.flags.IsNotification() || a.replay {
			a.noop = true
		}
		return nil
	case errors.Is(err, entries.ErrOverflow):
		// the change itself was applied
		dlog.Errorf(r.attrs.LogContext, "%s %v: %v", a.kind, a.key, err)
	case err != nil:
		return err
	}
	if res.Entry == nil && a.kind.removes() && (a.flags.IsNotification() || a.replay) {
		// already gone locally
		a.noop = true
	}
	if res.HadOld && !a.hasOld {
		a.setOld(res.Old)
	}
	return nil
}

// refetch replaces a delta that could not be applied with the full value
// from the server.
func (r *Region[K, V]) refetch(ctx context.Context, a *action[K, V], o entries.UpdateOptions[V]) (entries.Result[K, V], error) {
	r.attrs.Stats.DeltaFailure(r.path)
	if r.attrs.Remote == nil {
		return entries.Result[K, V]{}, fmt.Errorf("%s %v: %w", a.kind, a.key, entries.ErrInvalidDelta)
	}
	dlog.Debugf(r.attrs.LogContext, "%s %v: delta not applicable, fetching full value", a.kind, a.key)
	v, tag, err := r.remoteGet(ctx, a.key, a.arg)
	if err != nil {
		return entries.Result[K, V]{}, err
	}
	a.value, a.version = v, tag
	o.Delta, o.Version = nil, tag
	return r.m.Put(a.key, v, o)
}

// complete updates counters and timestamps and notifies the listener.
func (r *Region[K, V]) complete(ctx context.Context, a *action[K, V]) {
	if a.noop {
		return
	}
	r.attrs.Stats.Op(r.path, a.kind)
	if r.caching() {
		r.attrs.Stats.Entries(r.path, r.m.Size())
	}
	if !a.flags.IsEvictOrExpire() {
		r.touch(true)
	}
	if l := r.attrs.Listener; l != nil && a.flags.InvokeListener() {
		l.AfterEvent(ctx, r.event(a))
	}
}

func (r *Region[K, V]) event(a *action[K, V]) Event[K, V] {
	ev := Event[K, V]{
		Kind:   a.kind,
		Region: r.path,
		Key:    a.key,
		Old:    a.old,
		HasOld: a.hasOld,
		Arg:    a.arg,
		Flags:  a.flags,
	}
	if a.kind.writes() {
		ev.New = a.value
	}
	return ev
}

// updateTx runs the remote step now and records the local effect for
// Commit.
func (r *Region[K, V]) updateTx(ctx context.Context, tx *TxState, a *action[K, V]) error {
	if tx.Finished() {
		return fmt.Errorf("%w: transaction %d already finished", ErrNotSupported, tx.ID())
	}
	if err := r.invokeWriter(ctx, a); err != nil {
		return err
	}
	if err := r.remoteUpdate(ctx, a); err != nil {
		return err
	}
	if a.kind == KindPutIfAbsent && !a.absent {
		return nil
	}
	replay := r.newAction(a.kind.txReplay(), a.key, a.value, a.arg, FlagLocal|FlagNoCacheWriter)
	replay.replay = true
	replay.version = a.version
	return tx.record(r.path, func(ctx context.Context) error {
		return r.update(WithTx(ctx, nil), replay)
	})
}
