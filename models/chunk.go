package models

// Embedding is a single dense vector.
type Embedding []float32

// ChunkEmbedding carries the full vector for a chunk plus any mini-chunk
// vectors produced by multipass indexing.
type ChunkEmbedding struct {
	FullEmbedding       Embedding   `json:"full_embedding"`
	MiniChunkEmbeddings []Embedding `json:"mini_chunk_embeddings,omitempty"`
}

// DocumentAccess describes who may see a document in the search index. The
// external-access flag marks documents whose permissions are synced from the
// source rather than managed internally.
type DocumentAccess struct {
	UserEmails           []string `json:"user_emails,omitempty"`
	UserGroups           []string `json:"user_groups,omitempty"`
	ExternalUserEmails   []string `json:"external_user_emails,omitempty"`
	ExternalUserGroupIDs []string `json:"external_user_group_ids,omitempty"`
	IsPublic             bool     `json:"is_public"`
}

// ToACLEntries flattens the access record into the ACL strings stored on
// each chunk in the index.
func (a DocumentAccess) ToACLEntries() []string {
	entries := make([]string, 0, len(a.UserEmails)+len(a.UserGroups)+len(a.ExternalUserEmails)+len(a.ExternalUserGroupIDs)+1)
	for _, e := range a.UserEmails {
		entries = append(entries, "user_email:"+e)
	}
	for _, g := range a.UserGroups {
		entries = append(entries, "group:"+g)
	}
	for _, e := range a.ExternalUserEmails {
		entries = append(entries, "external_user_email:"+e)
	}
	for _, g := range a.ExternalUserGroupIDs {
		entries = append(entries, "external_user_group_id:"+g)
	}
	if a.IsPublic {
		entries = append(entries, "PUBLIC")
	}
	return entries
}

// DocAwareChunk is a chunk straight out of the chunker, before embedding.
// ChunkID values for one document are contiguous integers starting at 0.
type DocAwareChunk struct {
	ChunkID                int
	SourceDocumentID       string
	Content                string
	TitlePrefix            string
	MetadataSuffixSemantic string
	MetadataSuffixKeyword  string
	BlurbedContent         string
	LargeChunkReferenceIDs []int
	MiniChunkTexts         []string
	DocSummary             string
	ChunkContext           string
	ContentTokenCount      int
}

// IndexChunk is a chunk with embeddings attached. ChunkBoostFactor is the
// content classification score, zero when the chunk was not classified.
type IndexChunk struct {
	DocAwareChunk
	Embeddings       ChunkEmbedding
	TitleEmbedding   Embedding
	ChunkBoostFactor float64
}

// DocMetadataAwareIndexChunk is the final form written to the search index:
// an embedded chunk enriched with access, document-set membership, tenant,
// and the aggregated boost factor.
type DocMetadataAwareIndexChunk struct {
	IndexChunk
	Access                     DocumentAccess
	DocumentSets               map[string]struct{}
	UserFile                   *int64
	UserFolder                 *int64
	BoostFactor                float64
	AggregatedChunkBoostFactor float64
	TenantID                   string
}

// ChunkInsertionRecord reports one chunk successfully written to the index.
type ChunkInsertionRecord struct {
	DocumentID string
	ChunkID    int
}

// ChunkFailure reports one chunk the index rejected.
type ChunkFailure struct {
	DocumentID string
	ChunkID    int
	Err        error
}
