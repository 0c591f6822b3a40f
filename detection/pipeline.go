package detection

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"sort"
	"time"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/google/uuid"

	"github.com/voltlens/voltlens/core"
	"github.com/voltlens/voltlens/telemetry"
)

// Stage progress values. Within one job the event stream is totally ordered.
const (
	progressPreprocess = 10
	progressPattern    = 30
	progressClassifier = 50
	progressScoreStart = 70
	progressScoreEnd   = 85
	progressFinalize   = 90
	progressDone       = 100
)

// Electrical-principle sanity bounds for a plausible symbol box.
const (
	minAspectRatio  = 0.125
	maxAspectRatio  = 8.0
	minSymbolArea   = 16
	maxAreaFraction = 0.25 // of the page
	maxComponents   = 512
)

// candidate is a symbol proposal moving through the pipeline.
type candidate struct {
	box        BoundingBox
	typ        string
	confidence float64
	method     string
	fillRatio  float64
}

// Pipeline runs the five-stage detection pass for one page image.
type Pipeline struct {
	cfg    core.DetectionConfig
	sink   EventSink
	logger core.Logger
}

// NewPipeline creates a pipeline emitting to the given sink.
func NewPipeline(cfg core.DetectionConfig, sink EventSink, logger core.Logger) *Pipeline {
	if sink == nil {
		sink = NoopSink{}
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("voltlens/detection")
	}
	return &Pipeline{cfg: cfg, sink: sink, logger: logger}
}

// Process runs all stages for one job. The context carries the per-page
// deadline; cancellation is checked at every stage boundary.
func (p *Pipeline) Process(ctx context.Context, job *Job) (*Result, error) {
	start := time.Now()
	threshold := job.Settings.ConfidenceThreshold
	if threshold <= 0 {
		threshold = p.cfg.ConfidenceThreshold
	}
	maxSymbols := job.Settings.MaxSymbolsPerPage
	if maxSymbols <= 0 {
		maxSymbols = p.cfg.MaxSymbolsPerPage
	}

	stage := func(name string, progress float64) error {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: pipeline stage %s: %v", core.ErrContextCanceled, name, err)
		}
		job.ProgressStage = name
		job.ProgressPercent = progress
		p.sink.Progress(ProgressEvent{JobID: job.JobID, Progress: progress, Stage: name})
		return nil
	}

	// Stage 1: preprocess.
	if err := stage("preprocess", progressPreprocess); err != nil {
		return nil, err
	}
	grid, err := preprocess(job.Image)
	if err != nil {
		return nil, err
	}

	// Stage 2: pattern matching.
	if err := stage("pattern_matching", progressPattern); err != nil {
		return nil, err
	}
	var candidates []candidate
	if job.Settings.EnablePatternMatching {
		candidates = patternMatch(grid)
	}

	// Stage 3: classifier, merged with pattern-matching output by IoU.
	if err := stage("classification", progressClassifier); err != nil {
		return nil, err
	}
	if job.Settings.EnableClassifier {
		candidates = mergeProposals(candidates, classify(grid))
	}

	// Stage 4: confidence scoring with per-candidate progress.
	if err := stage("confidence_scoring", progressScoreStart); err != nil {
		return nil, err
	}
	for i := range candidates {
		candidates[i].confidence = scoreCandidate(candidates[i], grid)
		progress := progressScoreStart + float64(i+1)/float64(len(candidates))*(progressScoreEnd-progressScoreStart)
		p.sink.Progress(ProgressEvent{
			JobID:         job.JobID,
			Progress:      progress,
			Stage:         "confidence_scoring",
			CurrentSymbol: candidates[i].typ,
		})
	}

	// Stage 5: finalization.
	if err := stage("finalization", progressFinalize); err != nil {
		return nil, err
	}
	symbols := p.finalize(job, candidates, grid, threshold, maxSymbols)

	result := &Result{
		JobID:            job.JobID,
		DocumentID:       job.DocumentID,
		PageNumber:       job.PageNumber,
		Symbols:          symbols,
		ProcessingTimeMs: time.Since(start).Milliseconds(),
		CompletedAt:      time.Now().UTC(),
	}
	job.ProgressStage = "completed"
	job.ProgressPercent = progressDone
	p.sink.Progress(ProgressEvent{JobID: job.JobID, Progress: progressDone, Stage: "completed"})
	p.sink.Completed(CompletedEvent{JobID: job.JobID, Result: result})

	p.logger.Info("Page detection completed", map[string]interface{}{
		"operation":   "page_detected",
		"job_id":      job.JobID,
		"document_id": job.DocumentID,
		"page":        job.PageNumber,
		"symbols":     len(symbols),
		"candidates":  len(candidates),
		"duration_ms": result.ProcessingTimeMs,
	})
	telemetry.Counter("detection.pages.processed", "module", telemetry.ModuleDetection)
	telemetry.Histogram("detection.symbols.per_page", float64(len(symbols)), "module", telemetry.ModuleDetection)
	return result, nil
}

// finalize filters candidates by confidence and sanity bounds, caps the
// count, and emits per-symbol events.
func (p *Pipeline) finalize(job *Job, candidates []candidate, grid *bitGrid, threshold float64, maxSymbols int) []Symbol {
	pageArea := grid.w * grid.h
	var kept []candidate
	for _, c := range candidates {
		if c.confidence < threshold {
			continue
		}
		ar := c.box.AspectRatio()
		if ar < minAspectRatio || ar > maxAspectRatio {
			continue
		}
		area := c.box.Area()
		if area < minSymbolArea || float64(area) > maxAreaFraction*float64(pageArea) {
			continue
		}
		kept = append(kept, c)
	}

	sort.SliceStable(kept, func(i, j int) bool { return kept[i].confidence > kept[j].confidence })
	if maxSymbols > 0 && len(kept) > maxSymbols {
		kept = kept[:maxSymbols]
	}

	symbols := make([]Symbol, 0, len(kept))
	for _, c := range kept {
		sym := Symbol{
			ID:              "sym-" + uuid.NewString(),
			Type:            c.typ,
			Confidence:      c.confidence,
			Box:             c.box,
			DetectionMethod: c.method,
			PageNumber:      job.PageNumber,
		}
		symbols = append(symbols, sym)
		p.sink.SymbolDetected(SymbolEvent{JobID: job.JobID, Symbol: sym, TotalFound: len(symbols)})
	}
	return symbols
}

// bitGrid is a binarized page image.
type bitGrid struct {
	w, h int
	bits []bool
}

func (g *bitGrid) at(x, y int) bool {
	return g.bits[y*g.w+x]
}

// preprocess decodes the page image and binarizes it against the mean luma,
// which doubles as a cheap contrast normalization.
func preprocess(blob []byte) (*bitGrid, error) {
	if len(blob) == 0 {
		return nil, fmt.Errorf("%w: page image is empty", core.ErrEmptyImage)
	}
	img, _, err := image.Decode(bytes.NewReader(blob))
	if err != nil {
		return nil, fmt.Errorf("%w: decode page image: %v", core.ErrValidation, err)
	}

	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w == 0 || h == 0 {
		return nil, fmt.Errorf("%w: page image has zero dimensions", core.ErrValidation)
	}

	lumas := make([]uint32, 0, w*h)
	var sum uint64
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			// Integer luma over 16-bit channels.
			luma := (299*r + 587*g + 114*b) / 1000
			lumas = append(lumas, luma)
			sum += uint64(luma)
		}
	}
	mean := uint32(sum / uint64(len(lumas)))

	grid := &bitGrid{w: w, h: h, bits: make([]bool, w*h)}
	for i, l := range lumas {
		// Dark ink on a light schematic page.
		grid.bits[i] = l < mean
	}
	return grid, nil
}

// patternMatch finds connected dark components and types them against
// simple geometric templates.
func patternMatch(grid *bitGrid) []candidate {
	var out []candidate
	for _, box := range connectedComponents(grid) {
		fill := fillRatio(grid, box)
		out = append(out, candidate{
			box:        box,
			typ:        templateType(box, fill),
			confidence: 0.5 + 0.2*fill,
			method:     "pattern",
			fillRatio:  fill,
		})
	}
	return out
}

// templateType maps box geometry onto the closest symbol template.
func templateType(box BoundingBox, fill float64) string {
	ar := box.AspectRatio()
	switch {
	case ar >= 2.5 || (ar > 0 && ar <= 0.4):
		return "resistor"
	case ar >= 0.8 && ar <= 1.25 && fill > 0.6:
		return "ic"
	case ar >= 0.8 && ar <= 1.25:
		return "junction"
	case fill < 0.25:
		return "connector"
	default:
		return "capacitor"
	}
}

// classify produces an independent proposal set typed by area and density.
func classify(grid *bitGrid) []candidate {
	pageArea := float64(grid.w * grid.h)
	var out []candidate
	for _, box := range connectedComponents(grid) {
		fill := fillRatio(grid, box)
		rel := float64(box.Area()) / pageArea

		ar := box.AspectRatio()
		var typ string
		switch {
		case ar >= 2.0 || (ar > 0 && ar <= 0.5):
			typ = "resistor"
		case rel > 0.02 && fill > 0.5:
			typ = "ic"
		case fill > 0.7:
			typ = "junction"
		case fill < 0.3:
			typ = "connector"
		default:
			typ = "capacitor"
		}
		out = append(out, candidate{
			box:        box,
			typ:        typ,
			confidence: 0.45 + 0.35*fill,
			method:     "classifier",
			fillRatio:  fill,
		})
	}
	return out
}

// mergeProposals folds classifier proposals into the pattern-matching set.
// Boxes with IoU above 0.5 are the same symbol: the winner keeps the
// higher-confidence type and is marked consensus.
func mergeProposals(base, proposals []candidate) []candidate {
	out := append([]candidate(nil), base...)
	for _, prop := range proposals {
		merged := false
		for i := range out {
			if out[i].box.IoU(prop.box) <= 0.5 {
				continue
			}
			if prop.confidence > out[i].confidence {
				out[i].typ = prop.typ
				out[i].confidence = prop.confidence
				out[i].fillRatio = prop.fillRatio
			}
			out[i].method = "consensus"
			merged = true
			break
		}
		if !merged {
			out = append(out, prop)
		}
	}
	return out
}

// scoreCandidate combines the stage confidence with density, size, and
// electrical-principle checks into the final per-candidate score.
func scoreCandidate(c candidate, grid *bitGrid) float64 {
	score := c.confidence

	// Consensus between independent detectors is the strongest signal.
	if c.method == "consensus" {
		score += 0.15
	}

	// Very small or near-page-sized boxes are implausible symbols.
	rel := float64(c.box.Area()) / float64(grid.w*grid.h)
	if rel < 0.0005 || rel > maxAreaFraction {
		score -= 0.2
	}

	// Electrical-principle validation: a resistor body is elongated, a
	// junction is compact and dense.
	ar := c.box.AspectRatio()
	switch c.typ {
	case "resistor":
		if ar > 0.4 && ar < 2.0 {
			score -= 0.15
		}
	case "junction":
		if c.fillRatio < 0.5 {
			score -= 0.15
		}
	}

	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score
}

// connectedComponents returns bounding boxes of 4-connected dark regions,
// skipping specks below the minimum symbol area.
func connectedComponents(grid *bitGrid) []BoundingBox {
	visited := make([]bool, len(grid.bits))
	var boxes []BoundingBox
	var queue []int

	for start := range grid.bits {
		if !grid.bits[start] || visited[start] {
			continue
		}
		if len(boxes) >= maxComponents {
			break
		}

		minX, minY := grid.w, grid.h
		maxX, maxY := 0, 0
		pixels := 0
		queue = append(queue[:0], start)
		visited[start] = true
		for len(queue) > 0 {
			idx := queue[len(queue)-1]
			queue = queue[:len(queue)-1]
			x, y := idx%grid.w, idx/grid.w
			pixels++
			if x < minX {
				minX = x
			}
			if y < minY {
				minY = y
			}
			if x > maxX {
				maxX = x
			}
			if y > maxY {
				maxY = y
			}
			for _, n := range [4][2]int{{x - 1, y}, {x + 1, y}, {x, y - 1}, {x, y + 1}} {
				nx, ny := n[0], n[1]
				if nx < 0 || ny < 0 || nx >= grid.w || ny >= grid.h {
					continue
				}
				nidx := ny*grid.w + nx
				if grid.bits[nidx] && !visited[nidx] {
					visited[nidx] = true
					queue = append(queue, nidx)
				}
			}
		}

		box := BoundingBox{X: minX, Y: minY, Width: maxX - minX + 1, Height: maxY - minY + 1}
		if pixels >= minSymbolArea {
			boxes = append(boxes, box)
		}
	}
	return boxes
}

// fillRatio is the fraction of dark pixels within a box.
func fillRatio(grid *bitGrid, box BoundingBox) float64 {
	if box.Area() == 0 {
		return 0
	}
	dark := 0
	for y := box.Y; y < box.Y+box.Height && y < grid.h; y++ {
		for x := box.X; x < box.X+box.Width && x < grid.w; x++ {
			if grid.at(x, y) {
				dark++
			}
		}
	}
	return float64(dark) / float64(box.Area())
}
