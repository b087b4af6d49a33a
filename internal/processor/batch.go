package processor

import (
	"context"
	"image"
	"sync"

	ocrerrors "github.com/adverant/nexus/vision-ocr/internal/errors"
	"github.com/adverant/nexus/vision-ocr/internal/ocr"
)

// BatchProcess extracts every input in consecutive groups of concurrency.
// Groups run one after another; items within a group run in parallel.
// Results keep input order and per-item failures become error entries.
func (e *Engine) BatchProcess(ctx context.Context, inputs []interface{}, opts ExtractOptions, concurrency int) []ocr.BatchItem {
	if concurrency <= 0 {
		concurrency = e.config.BatchConcurrency
	}

	e.logger.Debug("Starting batch processing", "images", len(inputs), "concurrency", concurrency)

	results := make([]ocr.BatchItem, len(inputs))
	for start := 0; start < len(inputs); start += concurrency {
		end := start + concurrency
		if end > len(inputs) {
			end = len(inputs)
		}

		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()

				extraction, err := e.ExtractText(ctx, inputs[i], opts)
				if err != nil {
					e.logger.Debug("Batch item failed", "index", i, "error", err)
					results[i] = ocr.BatchItem{Error: ocrerrors.Message(err), Image: inputs[i]}
					return
				}
				results[i] = ocr.BatchItem{Extraction: extraction}
			}(i)
		}
		wg.Wait()
	}

	e.logger.Debug("Batch processing completed", "results", len(results))
	return results
}

// ExtractFromRegions prepares input once, then extracts each region in order.
// Regions are given in original-image pixels and scaled onto the prepared
// image. Only a failure to prepare the source image is returned as an error.
func (e *Engine) ExtractFromRegions(ctx context.Context, input interface{}, regions []ocr.Region, opts ExtractOptions) ([]ocr.RegionItem, error) {
	e.logger.Debug("Extracting text from regions", "regions", len(regions))

	prepared, err := e.deps.Preparer.Prepare(ctx, input, e.config.ImageOptions)
	if err != nil {
		return nil, e.fail(stateStart, err)
	}

	scaleX, scaleY := ocr.ScaleFor(prepared)
	results := make([]ocr.RegionItem, 0, len(regions))

	for i, region := range regions {
		rect := region.Rect(scaleX, scaleY)
		e.logger.Debug("Processing region", "index", i, "rect", rect.String())

		extraction, err := e.extractRegion(ctx, prepared, rect, opts)
		if err != nil {
			e.logger.Debug("Region extraction failed", "index", i, "error", err)
			r := region
			results = append(results, ocr.RegionItem{Error: ocrerrors.Message(err), Region: &r})
			continue
		}
		results = append(results, ocr.RegionItem{Extraction: extraction})
	}

	return results, nil
}

func (e *Engine) extractRegion(ctx context.Context, prepared *ocr.PreparedImage, rect image.Rectangle, opts ExtractOptions) (*ocr.Extraction, error) {
	crop, err := e.deps.Preparer.Crop(prepared.Buffer, rect, e.config.ImageOptions.Quality)
	if err != nil {
		return nil, e.fail(stateStart, err)
	}
	return e.ExtractText(ctx, crop, opts)
}
