package pipeline

import (
	"context"
	"errors"
	"time"

	"docsage-go/internal/errs"
	"docsage-go/internal/repository"
	"docsage-go/pkg/es"
	"docsage-go/pkg/log"
	"docsage-go/pkg/storage"
)

// Deleter 从对象存储、向量索引与元数据表中移除一个文档。
type Deleter struct {
	store   storage.ObjectStore
	vectors es.VectorStore
	docRepo repository.DocumentRepository
	now     func() time.Time
}

// NewDeleter 创建一个新的 Deleter 实例。
func NewDeleter(store storage.ObjectStore, vectors es.VectorStore, docRepo repository.DocumentRepository) *Deleter {
	return &Deleter{store: store, vectors: vectors, docRepo: docRepo, now: time.Now}
}

// Remove 删除文档的全部数据。每个步骤都会执行，不因前面的失败而中止；
// 只要有存储仍残留数据就返回 *errs.PartialDeleteError，此时文档行保留为 deleting 状态，
// 重新执行 Remove 会继续清理。文档不存在时返回 NotFound，且不触碰任何存储。
func (d *Deleter) Remove(ctx context.Context, documentID string) error {
	const op = "remove"
	if documentID == "" {
		return errs.Ef(errs.KindInvalidInput, op, "document id is empty")
	}

	// 1. 查询文档
	doc, err := d.docRepo.FindByID(ctx, documentID)
	if errors.Is(err, repository.ErrDocumentNotFound) {
		return errs.E(errs.KindNotFound, op, err)
	}
	if err != nil {
		log.Errorf("[Deleter] 查询文档失败, DocumentID: %s, Error: %v", documentID, err)
		return errs.E(errs.KindMetadata, op, err)
	}
	log.Infof("[Deleter] 开始删除文档, DocumentID: %s, FileName: %s, Status: %s", doc.ID, doc.FileName, doc.Status)

	partial := &errs.PartialDeleteError{DocumentID: documentID}

	// 2. 标记为删除中，检索将忽略该文档
	if err := d.docRepo.MarkDeleting(ctx, documentID, d.now()); err != nil {
		log.Warnf("[Deleter] 标记删除状态失败, DocumentID: %s, Error: %v", documentID, err)
	}

	// 3. 删除原始文件与文本
	for _, key := range []string{doc.ObjectKey, doc.TextKey} {
		if key == "" {
			continue
		}
		if err := d.store.Delete(ctx, key); err != nil {
			log.Errorf("[Deleter] 删除对象失败, Key: %s, Error: %v", key, err)
			partial.Add(errs.StoreObjectStorage, err)
		}
	}

	// 4. 查询分块 ID，供按 ID 删除向量时使用
	chunkIDs, chunkErr := d.docRepo.ChunkIDs(ctx, documentID)
	if chunkErr != nil {
		log.Warnf("[Deleter] 查询分块 ID 失败, DocumentID: %s, Error: %v", documentID, chunkErr)
	}

	// 5. 按文档过滤删除向量，失败时退回按分块 ID 删除
	if err := d.vectors.DeleteByDocument(ctx, documentID); err != nil {
		log.Warnf("[Deleter] 按文档删除向量失败, DocumentID: %s, Error: %v", documentID, err)
		if chunkErr != nil || len(chunkIDs) == 0 {
			partial.Add(errs.StoreVectorIndex, err)
		} else if idErr := d.vectors.DeleteByIDs(ctx, chunkIDs); idErr != nil {
			log.Errorf("[Deleter] 按分块 ID 删除向量失败, DocumentID: %s, Error: %v", documentID, idErr)
			partial.Add(errs.StoreVectorIndex, idErr)
		}
	}

	// 6. 其他存储仍有残留时保留元数据，便于重新执行
	if partial.HasResidue("") {
		partial.Add(errs.StoreMetadata, errors.New("document row retained until other stores are clean"))
		log.Errorw("[Deleter] 文档删除不完整", "documentId", documentID, "residue", partial.Stores())
		return partial
	}
	if err := d.docRepo.DeleteWithChunks(ctx, documentID); err != nil {
		log.Errorf("[Deleter] 删除元数据失败, DocumentID: %s, Error: %v", documentID, err)
		partial.Add(errs.StoreMetadata, err)
		return partial
	}

	log.Infof("[Deleter] 文档删除完成, DocumentID: %s", documentID)
	return nil
}
