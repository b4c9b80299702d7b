package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"docsage-go/internal/errs"
	"docsage-go/internal/repository"
	"docsage-go/pkg/es"
	"docsage-go/pkg/log"
	"docsage-go/pkg/storage"

	"github.com/go-co-op/gocron"
	"go.uber.org/multierr"
)

const defaultSweepGrace = time.Hour

// SweepReport 汇总一次清理的结果。
type SweepReport struct {
	OrphanDocuments     int   `json:"orphanDocuments"`
	ObjectsDeleted      int   `json:"objectsDeleted"`
	TombstonesRetried   int   `json:"tombstonesRetried"`
	TombstonesCompleted int   `json:"tombstonesCompleted"`
	OrphanChunkRows     int64 `json:"orphanChunkRows"`
}

// Sweeper 回收入库补偿失败留下的孤儿对象与向量，并重试未完成的删除。
type Sweeper struct {
	store   storage.ObjectStore
	vectors es.VectorStore
	docRepo repository.DocumentRepository
	deleter *Deleter
	grace   time.Duration
	now     func() time.Time
}

// NewSweeper 创建一个新的 Sweeper。grace 内的对象视为可能仍在入库中，不会被回收。
func NewSweeper(store storage.ObjectStore, vectors es.VectorStore, docRepo repository.DocumentRepository, deleter *Deleter, grace time.Duration) *Sweeper {
	if grace <= 0 {
		grace = defaultSweepGrace
	}
	return &Sweeper{
		store:   store,
		vectors: vectors,
		docRepo: docRepo,
		deleter: deleter,
		grace:   grace,
		now:     time.Now,
	}
}

// Sweep 执行一轮清理。单个文档的失败不会中止整轮清理，所有错误合并返回。
func (s *Sweeper) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	cutoff := s.now().Add(-s.grace)

	orphanErr := s.sweepOrphanObjects(ctx, cutoff, &report)
	tombstoneErr := s.sweepTombstones(ctx, cutoff, &report)

	n, chunkErr := s.docRepo.DeleteOrphanChunks(ctx)
	if chunkErr != nil {
		chunkErr = fmt.Errorf("delete orphan chunk rows: %w", chunkErr)
	}
	report.OrphanChunkRows = n

	err := multierr.Combine(orphanErr, tombstoneErr, chunkErr)
	log.Infow("[Sweeper] 清理完成",
		"orphanDocuments", report.OrphanDocuments,
		"objectsDeleted", report.ObjectsDeleted,
		"tombstonesRetried", report.TombstonesRetried,
		"tombstonesCompleted", report.TombstonesCompleted,
		"orphanChunkRows", report.OrphanChunkRows,
		"errors", len(multierr.Errors(err)),
	)
	return report, err
}

// Schedule 按 interval 周期执行 Sweep，启动时立即执行一次。上一轮未结束时跳过本轮。
// 调用方负责在退出时 Stop 返回的调度器。
func (s *Sweeper) Schedule(ctx context.Context, interval time.Duration) (*gocron.Scheduler, error) {
	scheduler := gocron.NewScheduler(time.UTC)
	_, err := scheduler.Every(interval).SingletonMode().Tag("orphan-sweep").Do(func() {
		if _, err := s.Sweep(ctx); err != nil {
			log.Warnw("[Sweeper] 本轮清理存在失败，将在下一轮重试", "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("schedule sweep: %w", err)
	}
	scheduler.StartAsync()
	log.Infof("[Sweeper] 定时清理已启动, 间隔: %s", interval)
	return scheduler, nil
}

// sweepOrphanObjects 删除没有对应文档行、且最后写入早于 cutoff 的文档目录及其向量。
func (s *Sweeper) sweepOrphanObjects(ctx context.Context, cutoff time.Time, report *SweepReport) error {
	objects, err := s.store.List(ctx, DocumentsPrefix)
	if err != nil {
		return fmt.Errorf("list objects: %w", err)
	}

	type group struct {
		keys   []string
		newest time.Time
	}
	groups := make(map[string]*group)
	order := make([]string, 0)
	for _, obj := range objects {
		id, ok := documentIDFromKey(obj.Key)
		if !ok {
			continue
		}
		g, exists := groups[id]
		if !exists {
			g = &group{}
			groups[id] = g
			order = append(order, id)
		}
		g.keys = append(g.keys, obj.Key)
		if obj.LastModified.After(g.newest) {
			g.newest = obj.LastModified
		}
	}
	if len(order) == 0 {
		return nil
	}

	docs, err := s.docRepo.FindByIDs(ctx, order)
	if err != nil {
		return fmt.Errorf("lookup documents: %w", err)
	}

	var combined error
	for _, id := range order {
		g := groups[id]
		if _, ok := docs[id]; ok || g.newest.After(cutoff) {
			continue
		}
		report.OrphanDocuments++
		log.Warnf("[Sweeper] 发现孤儿文档目录, DocumentID: %s, 对象数: %d", id, len(g.keys))

		// 先删向量；失败时保留对象，下一轮仍能找到该文档
		if err := s.vectors.DeleteByDocument(ctx, id); err != nil {
			combined = multierr.Append(combined, fmt.Errorf("delete vectors of %s: %w", id, err))
			continue
		}
		for _, key := range g.keys {
			if err := s.store.Delete(ctx, key); err != nil {
				combined = multierr.Append(combined, fmt.Errorf("delete object %s: %w", key, err))
				continue
			}
			report.ObjectsDeleted++
		}
	}
	return combined
}

// sweepTombstones 重新执行停留在 deleting 状态超过宽限期的删除。
func (s *Sweeper) sweepTombstones(ctx context.Context, cutoff time.Time, report *SweepReport) error {
	stale, err := s.docRepo.FindDeletingBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("find tombstoned documents: %w", err)
	}

	var combined error
	for _, doc := range stale {
		report.TombstonesRetried++
		err := s.deleter.Remove(ctx, doc.ID)
		if err == nil || errors.Is(err, errs.ErrNotFound) {
			report.TombstonesCompleted++
			continue
		}
		combined = multierr.Append(combined, err)
	}
	return combined
}
