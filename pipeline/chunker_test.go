package pipeline

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zerafachris/onyx-cz-sub000/models"
)

func indexingDoc(id, title string, texts ...string) models.IndexingDocument {
	doc := models.IndexingDocument{
		Document: models.Document{ID: id, Title: title, SemanticIdentifier: title},
	}
	for _, t := range texts {
		doc.Document.Sections = append(doc.Document.Sections,
			models.Section{Text: &models.TextSection{Text: t}})
		doc.ProcessedSections = append(doc.ProcessedSections,
			models.ProcessedSection{Text: t})
	}
	return doc
}

func TestChunker_ContiguousIDsFromZero(t *testing.T) {
	c := &Chunker{ChunkChars: 64}
	doc := indexingDoc("d1", "title",
		strings.Repeat("alpha beta gamma delta. ", 40))

	chunks := c.Chunk(doc)
	require.Greater(t, len(chunks), 1)
	for i, chunk := range chunks {
		assert.Equal(t, i, chunk.ChunkID)
		assert.Equal(t, "d1", chunk.SourceDocumentID)
		assert.Equal(t, "title", chunk.TitlePrefix)
		assert.LessOrEqual(t, len(chunk.Content), 64)
	}
}

func TestChunker_EmptyDocumentYieldsOneChunk(t *testing.T) {
	c := &Chunker{}
	chunks := c.Chunk(indexingDoc("d1", "only a title"))
	require.Len(t, chunks, 1)
	assert.Equal(t, 0, chunks[0].ChunkID)
	assert.Empty(t, chunks[0].Content)
	assert.Equal(t, "only a title", chunks[0].TitlePrefix)
}

func TestChunker_ShortDocumentIsSingleChunk(t *testing.T) {
	c := &Chunker{ChunkChars: 1024}
	chunks := c.Chunk(indexingDoc("d1", "t", "short content"))
	require.Len(t, chunks, 1)
	assert.Equal(t, "short content", chunks[0].Content)
}

func TestChunker_PrefersParagraphBoundaries(t *testing.T) {
	c := &Chunker{ChunkChars: 40}
	chunks := c.Chunk(indexingDoc("d1", "t",
		"first paragraph here\n\nsecond paragraph here\n\nthird paragraph here"))
	require.Len(t, chunks, 3)
	assert.Equal(t, "first paragraph here", chunks[0].Content)
	assert.Equal(t, "second paragraph here", chunks[1].Content)
}

func TestChunker_MetadataSuffixes(t *testing.T) {
	doc := indexingDoc("d1", "t", "content")
	doc.Document.Metadata = map[string][]string{
		"tags":   {"a", "b"},
		"author": {"someone"},
	}

	chunks := (&Chunker{}).Chunk(doc)
	require.Len(t, chunks, 1)
	// Keys are rendered in sorted order.
	assert.Equal(t, "author: someone\ntags: a, b", chunks[0].MetadataSuffixSemantic)
	assert.Equal(t, "someone a, b", chunks[0].MetadataSuffixKeyword)
}

func TestChunker_MiniChunks(t *testing.T) {
	c := &Chunker{ChunkChars: 4096, EnableMiniChunks: true}
	chunks := c.Chunk(indexingDoc("d1", "t",
		strings.Repeat("sentence one and two. ", 60)))
	require.Len(t, chunks, 1)
	assert.Greater(t, len(chunks[0].MiniChunkTexts), 1)
}

func TestBlurb_BreaksOnWord(t *testing.T) {
	long := strings.Repeat("word ", 100)
	b := blurb(long)
	assert.LessOrEqual(t, len(b), blurbChars)
	assert.False(t, strings.HasSuffix(b, " "))
	assert.Equal(t, "short", blurb("short"))
}
