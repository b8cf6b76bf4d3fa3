package session

// ReplayWindowSize is the number of sequence numbers tracked behind the
// highest one seen.
const ReplayWindowSize = 1024

// One extra word keeps the full window addressable when highest sits at
// the start of its word.
const replayWords = ReplayWindowSize/64 + 1

// ReplayWindow is a sliding bitmap of accepted sequence numbers for one
// receive key. Check before decrypting, Mark only after the frame
// authenticates, so forged frames cannot advance the window.
type ReplayWindow struct {
	highest uint64
	bits    [replayWords]uint64
	seen    bool
}

// Check reports whether seq is new and inside the window.
func (w *ReplayWindow) Check(seq uint64) bool {
	if !w.seen || seq > w.highest {
		return true
	}
	if w.highest-seq >= ReplayWindowSize || w.highest/64-seq/64 >= replayWords {
		return false
	}
	return w.bits[(seq/64)%replayWords]&(1<<(seq%64)) == 0
}

// Mark records seq as received. Check must have returned true.
func (w *ReplayWindow) Mark(seq uint64) {
	if !w.seen {
		w.seen = true
		w.highest = seq
		w.set(seq)
		return
	}
	if seq > w.highest {
		w.slide(seq)
		w.highest = seq
	}
	w.set(seq)
}

// Highest returns the largest accepted sequence number.
func (w *ReplayWindow) Highest() uint64 {
	return w.highest
}

func (w *ReplayWindow) set(seq uint64) {
	w.bits[(seq/64)%replayWords] |= 1 << (seq % 64)
}

// slide clears the words that fall between the old and new highest values.
func (w *ReplayWindow) slide(to uint64) {
	oldWord := w.highest / 64
	newWord := to / 64
	if newWord-oldWord >= replayWords {
		w.bits = [replayWords]uint64{}
		return
	}
	for i := oldWord + 1; i <= newWord; i++ {
		w.bits[i%replayWords] = 0
	}
}
