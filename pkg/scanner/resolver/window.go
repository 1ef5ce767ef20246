package resolver

// entry anchors a group at the position of its latest mention
type entry struct {
	group    *Group
	ordinal  int // position of the mention in the document
	sentence int
}

// window tracks groups by recency (most recent at front)
type window struct {
	history     []entry
	maxSentence int
	maxMentions int
}

func newWindow(maxSentence, maxMentions int) *window {
	return &window{
		history:     make([]entry, 0, 8),
		maxSentence: maxSentence,
		maxMentions: maxMentions,
	}
}

// push records a mention of e.group, moving the group to the front
func (w *window) push(e entry) {
	for i, h := range w.history {
		if h.group == e.group {
			w.history = append(w.history[:i], w.history[i+1:]...)
			break
		}
	}

	w.history = append([]entry{e}, w.history...)

	// Nothing further back than the mention bound can ever match again
	if w.maxMentions > 0 && len(w.history) > w.maxMentions {
		w.history = w.history[:w.maxMentions]
	}
}

// prune drops entries outside either bound relative to the current mention.
// Positions only move forward, so a dropped entry can never match again.
func (w *window) prune(ordinal, sentence int) {
	for i, h := range w.history {
		if sentence-h.sentence > w.maxSentence || ordinal-h.ordinal > w.maxMentions {
			w.history = w.history[:i]
			return
		}
	}
}

// findMostRecent returns the most recent entry accepted by match
func (w *window) findMostRecent(match func(entry) bool) (entry, bool) {
	for _, h := range w.history {
		if match(h) {
			return h, true
		}
	}
	return entry{}, false
}
