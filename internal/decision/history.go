package decision

// history is a fixed-capacity ring of decisions, oldest evicted first.
type history struct {
	buf   []*Decision
	start int
	n     int
}

func newHistory(capacity int) *history {
	if capacity < 1 {
		capacity = 1
	}
	return &history{buf: make([]*Decision, capacity)}
}

// add appends d and returns the evicted decision, if any.
func (h *history) add(d *Decision) *Decision {
	if h.n < len(h.buf) {
		h.buf[(h.start+h.n)%len(h.buf)] = d
		h.n++
		return nil
	}
	evicted := h.buf[h.start]
	h.buf[h.start] = d
	h.start = (h.start + 1) % len(h.buf)
	return evicted
}

// each visits decisions oldest first.
func (h *history) each(fn func(*Decision)) {
	for i := 0; i < h.n; i++ {
		fn(h.buf[(h.start+i)%len(h.buf)])
	}
}

func (h *history) len() int {
	return h.n
}

// accuracy is the Laplace-smoothed share of judged decisions that were
// correct: (correct+1)/(judged+2). With nothing judged it is 0.5.
func (h *history) accuracy() float64 {
	var correct, judged int
	h.each(func(d *Decision) {
		ok, known := verdict(d)
		if !known {
			return
		}
		judged++
		if ok {
			correct++
		}
	})
	return float64(correct+1) / float64(judged+2)
}

// verdict reports whether d counts as correct, and whether it is known.
// An explicit RecordOutcome verdict wins over the inferred one.
func verdict(d *Decision) (correct, known bool) {
	if d.Correct != nil {
		return *d.Correct, true
	}
	switch d.Outcome {
	case OutcomeExecuted, OutcomeApproved:
		return true, true
	case OutcomeRejected, OutcomeCancelled, OutcomeFailed:
		return false, true
	default:
		return false, false
	}
}
