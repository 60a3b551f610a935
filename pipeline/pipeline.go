// Package pipeline turns connector document batches into search index
// writes. One batch flows through filtering, metadata upsert, section
// processing, chunking, embedding, content classification, and finally an
// index write performed under per-document advisory locks so concurrent
// metadata syncs never interleave with content writes.
//
// Failure isolation is per document: a document whose embedding or indexing
// fails is recorded as a connector failure and the rest of the batch
// proceeds.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/zerafachris/onyx-cz-sub000/common"
	"github.com/zerafachris/onyx-cz-sub000/config"
	"github.com/zerafachris/onyx-cz-sub000/models"
	"github.com/zerafachris/onyx-cz-sub000/store"
	"github.com/zerafachris/onyx-cz-sub000/tenant"
)

// Pipeline is the per-attempt indexing pipeline. It is built once per
// attempt against one search settings generation and processes batches
// sequentially; internal fan-out handles per-chunk parallelism.
type Pipeline struct {
	index      SearchIndex
	embedder   Embedder
	classifier Classifier
	vision     VisionModel
	cfg        config.IndexingConfig
	log        *common.ContextLogger

	ignoreTimeSkip bool
}

// NewPipeline wires a pipeline. classifier and vision may be nil, which
// disables classification and image summarization respectively.
func NewPipeline(index SearchIndex, embedder Embedder, classifier Classifier, vision VisionModel, cfg config.IndexingConfig, log *common.ContextLogger) *Pipeline {
	if log == nil {
		log = common.NewContextLogger(nil, nil)
	}
	return &Pipeline{
		index:      index,
		embedder:   embedder,
		classifier: classifier,
		vision:     vision,
		cfg:        cfg,
		log:        log,
	}
}

// IgnoreTimeSkip disables the unchanged-document skip so a from-beginning
// run re-indexes every document regardless of stored timestamps.
func (p *Pipeline) IgnoreTimeSkip() { p.ignoreTimeSkip = true }

// BatchResult reports one processed batch.
type BatchResult struct {
	DocsIndexed   int
	ChunksIndexed int

	// IndexedDocIDs lists documents whose chunks reached the index; earlier
	// failures of these documents auto-resolve.
	IndexedDocIDs []string

	// Failures are per-document failures isolated from the batch.
	Failures []models.ConnectorFailure
}

// IndexBatch runs one document batch end to end against the index named by
// settings. An error return means the whole batch failed; per-document
// problems come back in BatchResult.Failures instead.
func (p *Pipeline) IndexBatch(ctx context.Context, tc tenant.Context, settings store.SearchSettings, ccPairID int64, docs []models.Document) (BatchResult, error) {
	var result BatchResult

	filtered := p.filter(docs)
	if len(filtered) == 0 {
		return result, nil
	}

	if !p.ignoreTimeSkip {
		stored, err := store.GetDocuments(ctx, tc, docIDs(filtered))
		if err != nil {
			return result, err
		}
		filtered = dropUnchanged(filtered, stored, p.log)
		if len(filtered) == 0 {
			return result, nil
		}
	}

	if err := store.UpsertDocumentMetadata(ctx, tc, filtered, ccPairID); err != nil {
		return result, err
	}

	chunker := &Chunker{EnableMiniChunks: settings.MultipassIndexing}

	// Chunk and embed with per-document isolation.
	var (
		mu        sync.Mutex
		succeeded []embeddedDoc
	)

	g, gctx := errgroup.WithContext(ctx)
	workers := p.cfg.EmbeddingWorkers
	if workers <= 0 {
		workers = 1
	}
	g.SetLimit(workers)

	for _, doc := range filtered {
		doc := doc
		g.Go(func() error {
			indexingDoc := ProcessSections(gctx, p.vision, doc, p.log)
			chunks := chunker.Chunk(indexingDoc)
			if p.cfg.EnableContextualRAG {
				p.addChunkContext(indexingDoc, chunks)
			}

			embedded, err := p.embedChunks(gctx, settings.ModelName, indexingDoc, chunks)
			if err != nil {
				mu.Lock()
				result.Failures = append(result.Failures, models.ConnectorFailure{
					Message:        fmt.Sprintf("failed to embed document: %v", err),
					Exception:      err,
					FailedDocument: &models.DocumentFailure{DocumentID: doc.ID},
				})
				mu.Unlock()
				p.log.WithField("document_id", doc.ID).WithError(err).
					Warn("Embedding failed, document skipped")
				return nil
			}

			mu.Lock()
			succeeded = append(succeeded, embeddedDoc{doc: doc, chunks: embedded})
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return result, err
	}
	if len(succeeded) == 0 {
		return result, nil
	}

	p.classifyChunks(ctx, collectChunkPtrs(succeeded))

	// Load store-side metadata for the surviving documents: access, sets,
	// and the previous chunk count for trailing deletes.
	ids := make([]string, 0, len(succeeded))
	for _, dc := range succeeded {
		ids = append(ids, dc.doc.ID)
	}
	syncInfos := make(map[string]*store.DocumentSyncInfo, len(ids))
	for _, id := range ids {
		info, err := store.GetDocumentSyncInfo(ctx, tc, id)
		if err != nil {
			return result, err
		}
		syncInfos[id] = info
	}

	// Index write and store finalization under per-document locks.
	err := store.WithDocumentLocks(ctx, tc, ids, func(tx *gorm.DB) error {
		var (
			toIndex []models.DocMetadataAwareIndexChunk
			updates []store.DocumentIndexUpdate
		)
		for _, dc := range succeeded {
			info := syncInfos[dc.doc.ID]
			boost := aggregateBoost(dc.chunks)

			for _, chunk := range dc.chunks {
				final := models.DocMetadataAwareIndexChunk{
					IndexChunk:                 chunk,
					BoostFactor:                boost,
					AggregatedChunkBoostFactor: boost,
					TenantID:                   tc.TenantID,
					DocumentSets:               map[string]struct{}{},
				}
				if info != nil {
					final.Access = info.Access
					for _, set := range info.DocumentSets {
						final.DocumentSets[set] = struct{}{}
					}
				}
				toIndex = append(toIndex, final)
			}

			tokens := 0
			for _, chunk := range dc.chunks {
				tokens += chunk.ContentTokenCount
			}
			updates = append(updates, store.DocumentIndexUpdate{
				DocumentID:   dc.doc.ID,
				DocUpdatedAt: dc.doc.DocUpdatedAt,
				ChunkCount:   len(dc.chunks),
				TokenCount:   tokens,
				BoostFactor:  boost,
			})
		}

		if err := p.index.IndexChunks(ctx, settings.IndexName, toIndex); err != nil {
			return fmt.Errorf("index write failed: %w", err)
		}

		// A shrunken document leaves stale trailing chunks behind.
		for _, dc := range succeeded {
			info := syncInfos[dc.doc.ID]
			if info == nil || info.ChunkCount <= len(dc.chunks) {
				continue
			}
			if err := p.index.DeleteChunks(ctx, settings.IndexName, dc.doc.ID, len(dc.chunks), info.ChunkCount); err != nil {
				return fmt.Errorf("trailing chunk delete failed for %s: %w", dc.doc.ID, err)
			}
		}

		return store.FinalizeDocumentBatch(tx, updates, ccPairID)
	})
	if err != nil {
		return result, err
	}

	result.DocsIndexed = len(succeeded)
	result.IndexedDocIDs = ids
	for _, dc := range succeeded {
		result.ChunksIndexed += len(dc.chunks)
	}
	return result, nil
}

// filter drops empty and oversized documents and deduplicates by id,
// keeping the last occurrence (the freshest version within the batch).
func (p *Pipeline) filter(docs []models.Document) []models.Document {
	maxChars := p.cfg.MaxDocumentChars
	seen := make(map[string]int)
	var out []models.Document
	for _, doc := range docs {
		if doc.IsEmpty() {
			p.log.WithField("document_id", doc.ID).Debug("Dropping empty document")
			continue
		}
		if maxChars > 0 && doc.TextLength() > maxChars {
			p.log.WithFields(map[string]interface{}{
				"document_id": doc.ID,
				"text_length": doc.TextLength(),
			}).Warn("Dropping oversized document")
			continue
		}
		if idx, dup := seen[doc.ID]; dup {
			out[idx] = doc
			continue
		}
		seen[doc.ID] = len(out)
		out = append(out, doc)
	}
	return out
}

// dropUnchanged removes documents whose source timestamp is not strictly
// newer than the stored doc_updated_at: their content already reached the
// index. A missing timestamp on either side cannot prove freshness, so the
// document is kept.
func dropUnchanged(docs []models.Document, stored map[string]store.Document, log *common.ContextLogger) []models.Document {
	out := make([]models.Document, 0, len(docs))
	for _, doc := range docs {
		row, known := stored[doc.ID]
		if known && doc.DocUpdatedAt != nil && row.DocUpdatedAt != nil &&
			!doc.DocUpdatedAt.After(*row.DocUpdatedAt) {
			log.WithField("document_id", doc.ID).Debug("Skipping unchanged document")
			continue
		}
		out = append(out, doc)
	}
	return out
}

func docIDs(docs []models.Document) []string {
	ids := make([]string, 0, len(docs))
	for _, doc := range docs {
		ids = append(ids, doc.ID)
	}
	return ids
}

// embedChunks embeds all chunk passages of one document plus its title in a
// single model call. Mini-chunk passages from multipass indexing ride along
// in the same call, after the full chunks and before the title.
func (p *Pipeline) embedChunks(ctx context.Context, modelName string, doc models.IndexingDocument, chunks []models.DocAwareChunk) ([]models.IndexChunk, error) {
	texts := make([]string, 0, len(chunks)+1)
	for _, c := range chunks {
		texts = append(texts, embeddingText(c))
	}
	miniStart := make([]int, len(chunks))
	for i, c := range chunks {
		miniStart[i] = len(texts)
		texts = append(texts, c.MiniChunkTexts...)
	}
	title := doc.GetTitleForIndexing()
	texts = append(texts, title)

	vectors, err := p.embedder.EmbedBatch(ctx, modelName, texts)
	if err != nil {
		return nil, err
	}

	titleVector := vectors[len(vectors)-1]
	out := make([]models.IndexChunk, 0, len(chunks))
	for i, c := range chunks {
		embeddings := models.ChunkEmbedding{FullEmbedding: vectors[i]}
		if n := len(c.MiniChunkTexts); n > 0 {
			embeddings.MiniChunkEmbeddings = vectors[miniStart[i] : miniStart[i]+n]
		}
		out = append(out, models.IndexChunk{
			DocAwareChunk:  c,
			Embeddings:     embeddings,
			TitleEmbedding: titleVector,
		})
	}
	return out, nil
}

// embeddingText is what actually goes to the encoder: title prefix, chunk
// context when present, content, and the semantic metadata suffix.
func embeddingText(c models.DocAwareChunk) string {
	var b strings.Builder
	if c.TitlePrefix != "" {
		b.WriteString(c.TitlePrefix)
		b.WriteString("\n")
	}
	if c.ChunkContext != "" {
		b.WriteString(c.ChunkContext)
		b.WriteString("\n")
	}
	b.WriteString(c.Content)
	if c.MetadataSuffixSemantic != "" {
		b.WriteString("\n")
		b.WriteString(c.MetadataSuffixSemantic)
	}
	return b.String()
}

// addChunkContext attaches a document summary and per-chunk context for
// contextual retrieval. The summary is derived locally from the document
// head.
func (p *Pipeline) addChunkContext(doc models.IndexingDocument, chunks []models.DocAwareChunk) {
	var head strings.Builder
	for _, s := range doc.ProcessedSections {
		if head.Len() > blurbChars*4 {
			break
		}
		head.WriteString(s.Text)
		head.WriteString(" ")
	}
	summary := blurb(strings.TrimSpace(head.String()))
	for i := range chunks {
		chunks[i].DocSummary = summary
		chunks[i].ChunkContext = doc.GetTitleForIndexing() + ": " + summary
	}
}

// classifyRetryPolicy retries transient classifier failures before the
// chunks fall through with the neutral boost.
var classifyRetryPolicy = common.RetryPolicy{
	MaxAttempts:  3,
	InitialDelay: 50 * time.Millisecond,
	MaxDelay:     time.Second,
	Multiplier:   2.0,
}

// classifyChunks scores short chunks and stores the score in the chunk's
// token count bucket via the boost factor. Chunks above the threshold and
// chunks whose classification keeps failing retain the neutral boost.
func (p *Pipeline) classifyChunks(ctx context.Context, chunks []*models.IndexChunk) {
	if p.classifier == nil {
		return
	}
	threshold := p.cfg.ClassificationTokenThreshold

	var (
		texts   []string
		indices []int
	)
	for i, c := range chunks {
		if threshold <= 0 || c.ContentTokenCount <= threshold {
			texts = append(texts, c.Content)
			indices = append(indices, i)
		}
	}
	if len(texts) == 0 {
		return
	}

	var scores []float64
	err := common.Retry(ctx, classifyRetryPolicy, func() error {
		var cerr error
		scores, cerr = p.classifier.ClassifyBatch(ctx, texts)
		return cerr
	})
	if err != nil {
		p.log.WithError(err).Warn("Content classification failed, using neutral boost")
		return
	}
	for j, idx := range indices {
		chunks[idx].ChunkBoostFactor = scores[j]
	}
}

// aggregateBoost averages the per-chunk classification scores of one
// document, neutral when nothing was classified.
func aggregateBoost(chunks []models.IndexChunk) float64 {
	sum, n := 0.0, 0
	for _, c := range chunks {
		if c.ChunkBoostFactor != 0 {
			sum += c.ChunkBoostFactor
			n++
		}
	}
	if n == 0 {
		return 1.0
	}
	return sum / float64(n)
}

// embeddedDoc pairs a source document with its embedded chunks.
type embeddedDoc struct {
	doc    models.Document
	chunks []models.IndexChunk
}

func collectChunkPtrs(docs []embeddedDoc) []*models.IndexChunk {
	var out []*models.IndexChunk
	for i := range docs {
		for j := range docs[i].chunks {
			out = append(out, &docs[i].chunks[j])
		}
	}
	return out
}
