package pipeline

import (
	"sort"
	"strings"

	"github.com/zerafachris/onyx-cz-sub000/models"
)

const (
	defaultChunkChars = 2048
	blurbChars        = 128
	miniChunkChars    = 512
)

// Chunker splits a processed document into indexable chunks. Chunk ids are
// contiguous integers starting at zero; the index relies on that to trim
// trailing chunks when a document shrinks.
type Chunker struct {
	// ChunkChars is the target chunk size in characters.
	ChunkChars int

	// EnableMiniChunks produces sub-chunk texts for multipass embedding.
	EnableMiniChunks bool
}

// Chunk splits doc into DocAwareChunks. An empty document yields a single
// empty chunk so that the document still exists in the index and carries
// its metadata.
func (c *Chunker) Chunk(doc models.IndexingDocument) []models.DocAwareChunk {
	size := c.ChunkChars
	if size <= 0 {
		size = defaultChunkChars
	}

	title := doc.GetTitleForIndexing()
	metaSemantic, metaKeyword := metadataSuffixes(doc.Metadata)

	var texts []string
	for _, s := range doc.ProcessedSections {
		if s.Text != "" {
			texts = append(texts, s.Text)
		}
	}
	full := strings.Join(texts, "\n")

	pieces := splitText(full, size)
	if len(pieces) == 0 {
		pieces = []string{""}
	}

	chunks := make([]models.DocAwareChunk, 0, len(pieces))
	for i, piece := range pieces {
		chunk := models.DocAwareChunk{
			ChunkID:                i,
			SourceDocumentID:       doc.ID,
			Content:                piece,
			TitlePrefix:            title,
			MetadataSuffixSemantic: metaSemantic,
			MetadataSuffixKeyword:  metaKeyword,
			BlurbedContent:         blurb(piece),
			ContentTokenCount:      approxTokens(piece),
		}
		if c.EnableMiniChunks {
			chunk.MiniChunkTexts = splitText(piece, miniChunkChars)
		}
		chunks = append(chunks, chunk)
	}
	return chunks
}

// splitText breaks text into pieces of at most size characters, preferring
// paragraph then sentence boundaries so chunks stay coherent.
func splitText(text string, size int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= size {
		return []string{text}
	}

	var pieces []string
	var current strings.Builder
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if current.Len() > 0 && current.Len()+len(para)+2 > size {
			pieces = append(pieces, current.String())
			current.Reset()
		}
		if len(para) > size {
			if current.Len() > 0 {
				pieces = append(pieces, current.String())
				current.Reset()
			}
			pieces = append(pieces, splitLong(para, size)...)
			continue
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(para)
	}
	if current.Len() > 0 {
		pieces = append(pieces, current.String())
	}
	return pieces
}

// splitLong hard-splits an oversized paragraph on sentence ends, falling
// back to raw character windows.
func splitLong(text string, size int) []string {
	var pieces []string
	for len(text) > size {
		cut := strings.LastIndex(text[:size], ". ")
		if cut < size/2 {
			cut = size
		} else {
			cut += 1 // keep the period
		}
		pieces = append(pieces, strings.TrimSpace(text[:cut]))
		text = strings.TrimSpace(text[cut:])
	}
	if text != "" {
		pieces = append(pieces, text)
	}
	return pieces
}

func blurb(text string) string {
	if len(text) <= blurbChars {
		return text
	}
	cut := strings.LastIndex(text[:blurbChars], " ")
	if cut <= 0 {
		cut = blurbChars
	}
	return text[:cut]
}

// approxTokens estimates the token count from the byte length. Used only
// for the classification threshold, where an estimate is enough.
func approxTokens(text string) int {
	return (len(text) + 3) / 4
}

// metadataSuffixes renders document metadata into the strings appended to
// chunk content for semantic and keyword matching.
func metadataSuffixes(metadata map[string][]string) (semantic, keyword string) {
	if len(metadata) == 0 {
		return "", ""
	}
	keys := make([]string, 0, len(metadata))
	for key := range metadata {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var sem, kw []string
	for _, key := range keys {
		joined := strings.Join(metadata[key], ", ")
		sem = append(sem, key+": "+joined)
		kw = append(kw, joined)
	}
	return strings.Join(sem, "\n"), strings.Join(kw, " ")
}
