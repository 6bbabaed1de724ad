package vfsmon

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
)

var (
	// ErrRemoteNotFound is returned by a RemoteFetcher when the remote item
	// no longer exists.
	ErrRemoteNotFound = errors.New("remote item not found")

	// ErrLocalConflict marks a transient local condition (entry locked or in
	// use) that skips the current event; a later notification converges it.
	ErrLocalConflict = errors.New("local entry in use")
)

// ThirdPartyLockProperty is the property-bag key marking a placeholder as
// locked by another remote user.
const ThirdPartyLockProperty = "lock.thirdParty"

type RemoteFetcher interface {
	FetchItem(ctx context.Context, remotePath string) (*ItemMetadata, error)
}

// MirrorStore is the contract against the placeholder engine. MoveTo returns
// false when the destination cannot be created (target parent missing or
// offline). The store is shared with other subsystems, so every read may be
// stale the instant after it is made.
type MirrorStore interface {
	Exists(localPath string) bool
	IsOffline(localPath string) bool
	Create(parentPath string, info *PlaceholderInfo) (int, error)
	Update(localPath string, info *PlaceholderInfo) (bool, error)
	MoveTo(localPath, newPath string) (bool, error)
	Delete(localPath string) (bool, error)
	IsReadOnly(localPath string) (bool, error)
	SetReadOnly(localPath string, readOnly bool) error
	Property(localPath, name string) (string, bool, error)
	SetProperty(localPath, name, value string) error
	RemoveProperty(localPath, name string) (bool, error)
}

type Logger interface {
	Printf(format string, args ...any)
}

// Reconciler converts one ChangeEvent into local-mirror mutations, tolerating
// a partially populated local tree. All six operations are safe to re-run:
// delivery is at-least-once, so a second application must be a no-op.
type Reconciler struct {
	fetcher RemoteFetcher
	store   MirrorStore
	mapper  *PathMapper
	logger  Logger
}

func NewReconciler(fetcher RemoteFetcher, store MirrorStore, mapper *PathMapper, logger Logger) (*Reconciler, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if mapper == nil {
		return nil, fmt.Errorf("mapper is required")
	}
	return &Reconciler{
		fetcher: fetcher,
		store:   store,
		mapper:  mapper,
		logger:  logger,
	}, nil
}

// Apply reconciles one event. Failures from the fetcher or the store are
// logged with the operation and the paths involved and never propagate: one
// bad event must not stop the receive loop.
func (r *Reconciler) Apply(ctx context.Context, event ChangeEvent) {
	var err error
	switch event.Kind {
	case ChangeCreated:
		err = r.applyCreated(ctx, event.Path)
	case ChangeUpdated:
		err = r.applyUpdated(ctx, event.Path)
	case ChangeMoved:
		err = r.applyMoved(ctx, event.Path, event.TargetPath)
	case ChangeDeleted:
		err = r.applyDeleted(event.Path)
	case ChangeLocked:
		err = r.applyLocked(ctx, event.Path)
	case ChangeUnlocked:
		err = r.applyUnlocked(event.Path)
	default:
		return
	}
	if err != nil {
		if event.TargetPath != "" {
			r.logf("reconcile %s failed for %s -> %s: %v", event.Kind, event.Path, event.TargetPath, err)
			return
		}
		r.logf("reconcile %s failed for %s: %v", event.Kind, event.Path, err)
	}
}

func (r *Reconciler) applyCreated(ctx context.Context, remotePath string) error {
	localPath, err := r.mapper.LocalPath(remotePath)
	if err != nil {
		return nil
	}
	if r.store.Exists(localPath) {
		return nil
	}
	// On-demand-population guard: an absent or offline parent means the
	// subtree has not been hydrated yet. Checked before the fetch to avoid
	// needless network calls.
	parent := filepath.Dir(localPath)
	if !r.store.Exists(parent) || r.store.IsOffline(parent) {
		return nil
	}
	meta, err := r.fetcher.FetchItem(ctx, remotePath)
	if errors.Is(err, ErrRemoteNotFound) {
		r.logf("create skipped for %s: remote item gone", remotePath)
		return nil
	}
	if err != nil {
		return err
	}
	// Population status can change while the fetch is in flight.
	if r.store.Exists(localPath) {
		return nil
	}
	if _, err := r.store.Create(parent, r.mapper.Placeholder(meta)); err != nil {
		if errors.Is(err, ErrLocalConflict) {
			r.logf("create skipped for %s: %v", localPath, err)
			return nil
		}
		return err
	}
	return nil
}

func (r *Reconciler) applyUpdated(ctx context.Context, remotePath string) error {
	localPath, err := r.mapper.LocalPath(remotePath)
	if err != nil {
		return nil
	}
	if !r.store.Exists(localPath) {
		return nil
	}
	meta, err := r.fetcher.FetchItem(ctx, remotePath)
	if errors.Is(err, ErrRemoteNotFound) {
		r.logf("update skipped for %s: remote item gone", remotePath)
		return nil
	}
	if err != nil {
		return err
	}
	if !r.store.Exists(localPath) {
		return nil
	}
	readOnly, err := r.store.IsReadOnly(localPath)
	if err != nil {
		if errors.Is(err, ErrLocalConflict) {
			r.logf("update skipped for %s: %v", localPath, err)
			return nil
		}
		return err
	}
	if readOnly {
		if err := r.store.SetReadOnly(localPath, false); err != nil {
			if errors.Is(err, ErrLocalConflict) {
				r.logf("update skipped for %s: %v", localPath, err)
				return nil
			}
			return err
		}
	}
	_, err = r.store.Update(localPath, r.mapper.Placeholder(meta))
	if readOnly {
		// The read-only flag is user-visible state and must survive the
		// update even when the update itself fails.
		if restoreErr := r.store.SetReadOnly(localPath, true); restoreErr != nil && err == nil {
			err = restoreErr
		}
	}
	if errors.Is(err, ErrLocalConflict) {
		r.logf("update skipped for %s: %v", localPath, err)
		return nil
	}
	return err
}

func (r *Reconciler) applyMoved(ctx context.Context, remotePath, targetRemotePath string) error {
	sourcePath, err := r.mapper.LocalPath(remotePath)
	if err != nil {
		return nil
	}
	targetPath, err := r.mapper.LocalPath(targetRemotePath)
	if err != nil {
		return nil
	}
	if !r.store.Exists(sourcePath) {
		// The source was never materialized locally; the move degenerates to
		// a create on the target path.
		return r.applyCreated(ctx, targetRemotePath)
	}
	moved, err := r.store.MoveTo(sourcePath, targetPath)
	if err != nil {
		if errors.Is(err, ErrLocalConflict) {
			r.logf("move skipped for %s -> %s: %v", sourcePath, targetPath, err)
			return nil
		}
		return err
	}
	if !moved {
		// Destination cannot be created (target parent missing or offline);
		// the source entry is stale either way.
		if r.store.Exists(sourcePath) {
			if _, err := r.store.Delete(sourcePath); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Reconciler) applyDeleted(remotePath string) error {
	localPath, err := r.mapper.LocalPath(remotePath)
	if err != nil {
		return nil
	}
	if !r.store.Exists(localPath) {
		return nil
	}
	if _, err := r.store.Delete(localPath); err != nil {
		if errors.Is(err, ErrLocalConflict) {
			r.logf("delete skipped for %s: %v", localPath, err)
			return nil
		}
		return err
	}
	return nil
}

func (r *Reconciler) applyLocked(ctx context.Context, remotePath string) error {
	localPath, err := r.mapper.LocalPath(remotePath)
	if err != nil {
		return nil
	}
	if !r.store.Exists(localPath) {
		return nil
	}
	meta, err := r.fetcher.FetchItem(ctx, remotePath)
	if errors.Is(err, ErrRemoteNotFound) {
		r.logf("lock skipped for %s: remote item gone", remotePath)
		return nil
	}
	if err != nil {
		return err
	}
	if !r.store.Exists(localPath) {
		return nil
	}
	if _, err := r.store.Update(localPath, r.mapper.Placeholder(meta)); err != nil {
		if errors.Is(err, ErrLocalConflict) {
			r.logf("lock skipped for %s: %v", localPath, err)
			return nil
		}
		return err
	}
	// Re-delivery overwrites the marker harmlessly.
	return r.store.SetProperty(localPath, ThirdPartyLockProperty, "1")
}

func (r *Reconciler) applyUnlocked(remotePath string) error {
	localPath, err := r.mapper.LocalPath(remotePath)
	if err != nil {
		return nil
	}
	if !r.store.Exists(localPath) {
		return nil
	}
	// Absent marker is a no-op.
	_, err = r.store.RemoveProperty(localPath, ThirdPartyLockProperty)
	return err
}

func (r *Reconciler) logf(format string, args ...any) {
	if r.logger == nil {
		return
	}
	r.logger.Printf(format, args...)
}
