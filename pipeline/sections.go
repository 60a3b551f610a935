package pipeline

import (
	"context"
	"fmt"

	"github.com/zerafachris/onyx-cz-sub000/common"
	"github.com/zerafachris/onyx-cz-sub000/models"
)

// ProcessSections converts a raw document into its indexing form. Text
// sections pass through; image sections are summarized through the vision
// model, or replaced with a placeholder when no model is configured or the
// summarization fails. A failed summary never fails the document.
func ProcessSections(ctx context.Context, vision VisionModel, doc models.Document, log *common.ContextLogger) models.IndexingDocument {
	if log == nil {
		log = common.NewContextLogger(nil, nil)
	}
	out := models.IndexingDocument{Document: doc}
	out.ProcessedSections = make([]models.ProcessedSection, 0, len(doc.Sections))

	for _, section := range doc.Sections {
		processed := models.ProcessedSection{Section: section}
		switch {
		case section.Text != nil:
			processed.Text = section.Text.Text
		case section.Image != nil:
			processed.Text = summarizeOrPlaceholder(ctx, vision, section.Image, doc.ID, log)
		}
		out.ProcessedSections = append(out.ProcessedSections, processed)
	}
	return out
}

func summarizeOrPlaceholder(ctx context.Context, vision VisionModel, img *models.ImageSection, docID string, log *common.ContextLogger) string {
	placeholder := fmt.Sprintf("[image: %s]", img.ImageFileID)
	if vision == nil {
		return placeholder
	}
	summary, err := vision.SummarizeImage(ctx, img.ImageFileID, img.Link)
	if err != nil {
		log.WithFields(map[string]interface{}{
			"document_id":   docID,
			"image_file_id": img.ImageFileID,
		}).WithError(err).Warn("Image summarization failed, using placeholder")
		return placeholder
	}
	if summary == "" {
		return placeholder
	}
	return summary
}
