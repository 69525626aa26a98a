package client

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"quiz_sync_backend/internal/model"
	"quiz_sync_backend/internal/synctree"

	"go.uber.org/zap"
)

// Remote Reconciler 依赖的服务端接口
type Remote interface {
	Manifest(ctx context.Context) (*model.Manifest, error)
	UnitManifest(ctx context.Context, unitID string) (*model.UnitManifest, error)
	LessonData(ctx context.Context, lessonID string) (*model.LessonData, error)
}

type Summary struct {
	GeneratedAt    int64 `json:"generatedAt"`
	UnitCount      int   `json:"unitCount"`
	UnitsUpdated   int   `json:"unitsUpdated"`
	LessonsFetched int   `json:"lessonsFetched"`
	AnswersApplied int   `json:"answersApplied"`
	LessonsPurged  int   `json:"lessonsPurged"`
}

// Reconciler brings the local store in line with the server by walking the
// hash tree top-down and fetching only lessons whose hashes differ.
type Reconciler struct {
	remote    Remote
	store     LocalStore
	manifests *ManifestCache
	apply     *applier
	logger    *zap.Logger
}

type ReconcilerOpt func(*Reconciler)

func WithReconcilerLogger(logger *zap.Logger) ReconcilerOpt {
	return func(r *Reconciler) {
		r.logger = logger
	}
}

func WithManifestCache(m *ManifestCache) ReconcilerOpt {
	return func(r *Reconciler) {
		r.manifests = m
	}
}

func WithPeerObserver(observer PeerObserver, checker AnswerChecker) ReconcilerOpt {
	return func(r *Reconciler) {
		r.apply.observer = observer
		r.apply.checker = checker
	}
}

func NewReconciler(remote Remote, store LocalStore, opts ...ReconcilerOpt) *Reconciler {
	r := &Reconciler{
		remote: remote,
		store:  store,
		apply:  &applier{store: store},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reconcile runs one pass. A failed fetch aborts the pass; lessons merged
// before the failure stay merged. Units or lessons the server reports as
// missing mid-pass are skipped.
func (r *Reconciler) Reconcile(ctx context.Context) (Summary, error) {
	var sum Summary

	local, err := r.store.Answers(ctx)
	if err != nil {
		return sum, fmt.Errorf("read local answers: %w", err)
	}
	tree := synctree.Build(local, 0)

	manifest, err := r.remote.Manifest(ctx)
	if err != nil {
		return sum, fmt.Errorf("fetch manifest: %w", err)
	}
	sum.GeneratedAt = manifest.GeneratedAt
	sum.UnitCount = len(manifest.Units)
	r.persist(func(m *ManifestCache) error { return m.SetManifest(manifest) })

	var stale []string
	for unitID, remoteUnit := range manifest.Units {
		if localUnit, ok := tree.Units[unitID]; !ok || localUnit.Hash != remoteUnit.Hash {
			stale = append(stale, unitID)
		}
	}
	slices.Sort(stale)
	sum.UnitsUpdated = len(stale)

	for unitID, localUnit := range tree.Units {
		if _, ok := manifest.Units[unitID]; ok {
			continue
		}
		for lessonID := range localUnit.Lessons {
			if err := r.purge(ctx, lessonID, &sum); err != nil {
				return sum, err
			}
		}
	}

	for _, unitID := range stale {
		if err := r.reconcileUnit(ctx, unitID, tree.Units[unitID], &sum); err != nil {
			return sum, err
		}
	}

	if sum.LessonsFetched == 0 {
		r.logger.Debug("local data already matches server manifest", zap.Int("units", sum.UnitCount))
	} else {
		r.logger.Info("reconciled with server",
			zap.Int("units_updated", sum.UnitsUpdated),
			zap.Int("lessons_fetched", sum.LessonsFetched),
			zap.Int("answers_applied", sum.AnswersApplied),
		)
	}
	return sum, nil
}

func (r *Reconciler) reconcileUnit(ctx context.Context, unitID string, localUnit *synctree.Unit, sum *Summary) error {
	um, err := r.remote.UnitManifest(ctx, unitID)
	if errors.Is(err, ErrNotFound) {
		r.logger.Debug("unit vanished during sync", zap.String("unit", unitID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("fetch unit %s: %w", unitID, err)
	}

	localLessons := map[string]*synctree.Lesson{}
	if localUnit != nil {
		localLessons = localUnit.Lessons
	}
	for lessonID := range localLessons {
		if _, ok := um.Lessons[lessonID]; !ok {
			if err := r.purge(ctx, lessonID, sum); err != nil {
				return err
			}
		}
	}
	r.persist(func(m *ManifestCache) error { return m.SetUnit(um) })

	lessonIDs := make([]string, 0, len(um.Lessons))
	for lessonID := range um.Lessons {
		lessonIDs = append(lessonIDs, lessonID)
	}
	slices.Sort(lessonIDs)

	for _, lessonID := range lessonIDs {
		if l, ok := localLessons[lessonID]; ok && l.Hash == um.Lessons[lessonID].Hash {
			continue
		}
		data, err := r.remote.LessonData(ctx, lessonID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("fetch lesson %s: %w", lessonID, err)
		}
		sum.LessonsFetched++

		applied, _, err := r.apply.applyAll(ctx, data.Answers)
		sum.AnswersApplied += applied
		if err != nil {
			return fmt.Errorf("merge lesson %s: %w", lessonID, err)
		}
		r.persist(func(m *ManifestCache) error {
			return m.SetLesson(unitID, lessonID, model.LessonSummary{
				Hash:        data.Hash,
				AnswerCount: data.AnswerCount,
				UpdatedAt:   data.UpdatedAt,
			})
		})
	}
	return nil
}

func (r *Reconciler) purge(ctx context.Context, lessonID string, sum *Summary) error {
	removed, err := r.store.PurgeLesson(ctx, lessonID)
	if err != nil {
		return fmt.Errorf("purge lesson %s: %w", lessonID, err)
	}
	sum.LessonsPurged++
	r.logger.Info("purged lesson absent on server", zap.String("lesson", lessonID), zap.Int("answers", removed))
	return nil
}

// persist 更新清单缓存，失败只记日志
func (r *Reconciler) persist(update func(*ManifestCache) error) {
	if r.manifests == nil {
		return
	}
	if err := update(r.manifests); err != nil {
		r.logger.Warn("unable to store manifest cache", zap.Error(err))
	}
}
