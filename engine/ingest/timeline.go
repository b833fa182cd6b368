package ingest

import (
	"fmt"
	"strings"

	"github.com/castforge/castforge/engine/domain"
)

// Paragraph boundary thresholds from spec §4.2 step 7.
const (
	paragraphTerminalHigh    = 5
	paragraphTerminalElapsed = 3
	paragraphElapsedSeconds  = 25.0
	paragraphGapSeconds      = 3.0
)

func countTerminalPunctuation(s string) int {
	n := 0
	for _, r := range s {
		if r == '.' || r == '!' || r == '?' {
			n++
		}
	}
	return n
}

// formatTranscript renders segments as a timestamped, speaker-tagged
// transcript, the form passed to the extractor and (optionally) translated.
func formatTranscript(segments []domain.Segment) string {
	var b strings.Builder
	for _, seg := range segments {
		speaker := seg.Speaker
		if speaker == "" {
			speaker = "Speaker"
		}
		fmt.Fprintf(&b, "[%.1fs-%.1fs] %s: %s\n", seg.Start, seg.End, speaker, strings.TrimSpace(seg.Text))
	}
	return b.String()
}

func joinSegmentText(segs []domain.Segment) string {
	parts := make([]string, len(segs))
	for i, s := range segs {
		parts[i] = s.Text
	}
	return strings.Join(parts, " ")
}

func flushParagraph(segs []domain.Segment) domain.TimelineEntry {
	return domain.TimelineEntry{
		Kind:  domain.TimelineTranscript,
		Start: segs[0].Start,
		End:   segs[len(segs)-1].End,
		Text:  strings.TrimSpace(joinSegmentText(segs)),
	}
}

// buildTranscriptTimeline groups ordered segments into paragraph entries. A
// new paragraph starts on: a speaker change; 5 or more accumulated
// terminal-punctuation marks; 3 or more marks together with more than 25s
// elapsed in the paragraph so far; or a gap of more than 3s since the last
// segment, once the paragraph already holds more than one line.
func buildTranscriptTimeline(segments []domain.Segment) []domain.TimelineEntry {
	if len(segments) == 0 {
		return nil
	}
	var entries []domain.TimelineEntry
	current := []domain.Segment{segments[0]}
	for _, seg := range segments[1:] {
		prev := current[len(current)-1]
		terminalCount := countTerminalPunctuation(joinSegmentText(current))
		elapsed := prev.End - current[0].Start
		gap := seg.Start - prev.End
		boundary := seg.Speaker != prev.Speaker ||
			terminalCount >= paragraphTerminalHigh ||
			(terminalCount >= paragraphTerminalElapsed && elapsed > paragraphElapsedSeconds) ||
			(gap > paragraphGapSeconds && len(current) > 1)
		if boundary {
			entries = append(entries, flushParagraph(current))
			current = []domain.Segment{seg}
			continue
		}
		current = append(current, seg)
	}
	entries = append(entries, flushParagraph(current))
	return entries
}

// mergeTimeline stably merges transcript paragraphs with per-timestamp
// vision entries; at equal Start the transcript entry sorts first (spec §5
// ordering guarantee).
func mergeTimeline(transcriptEntries []domain.TimelineEntry, frames []domain.FrameDescription) []domain.TimelineEntry {
	visionEntries := make([]domain.TimelineEntry, 0, len(frames))
	for _, f := range frames {
		visionEntries = append(visionEntries, domain.TimelineEntry{
			Kind: domain.TimelineVision, Start: f.Timestamp, End: f.Timestamp, Text: f.Description,
		})
	}
	merged := make([]domain.TimelineEntry, 0, len(transcriptEntries)+len(visionEntries))
	i, j := 0, 0
	for i < len(transcriptEntries) && j < len(visionEntries) {
		if transcriptEntries[i].Start <= visionEntries[j].Start {
			merged = append(merged, transcriptEntries[i])
			i++
			continue
		}
		merged = append(merged, visionEntries[j])
		j++
	}
	merged = append(merged, transcriptEntries[i:]...)
	merged = append(merged, visionEntries[j:]...)
	return merged
}
