package capture

// Reassembler cuts a raw byte stream into fixed-size frames. Forwarded
// frames are written straight into pooled blocks; skipped frames are only
// counted past, never copied.
type Reassembler struct {
	pool      *Pool
	frameSize int
	width     int
	height    int
	skip      int

	cur *Block
	// pos is how many bytes of the current frame have been consumed.
	pos     int
	forward bool

	Extracted uint64
	Forwarded uint64
	Skipped   uint64
	// Dropped counts frames lost because every block was owned elsewhere.
	Dropped uint64
}

func NewReassembler(pool *Pool, cfg Config) *Reassembler {
	return &Reassembler{
		pool:      pool,
		frameSize: cfg.FrameSize(),
		width:     cfg.Width,
		height:    cfg.Height,
		skip:      cfg.FrameSkip,
	}
}

func (r *Reassembler) SetSkip(k int) { r.skip = k }

func (r *Reassembler) FrameSize() int { return r.frameSize }

// Resize discards any partial frame and switches to the frame size of cfg.
// The pool must already hold blocks of that size.
func (r *Reassembler) Resize(cfg Config) {
	r.Reset()
	r.frameSize = cfg.FrameSize()
	r.width, r.height = cfg.Width, cfg.Height
	r.skip = cfg.FrameSkip
}

// Reset drops the partial frame and restarts frame numbering.
func (r *Reassembler) Reset() {
	if r.cur != nil {
		r.cur.Release()
		r.cur = nil
	}
	r.pos = 0
	r.Extracted, r.Forwarded, r.Skipped, r.Dropped = 0, 0, 0, 0
}

// Write consumes chunk and calls emit with every completed frame that
// passes the skip policy. emit takes ownership of the block.
func (r *Reassembler) Write(chunk []byte, emit func(*Block)) {
	if r.frameSize <= 0 {
		return
	}
	for len(chunk) > 0 {
		if r.pos == 0 {
			r.begin()
		}
		n := min(r.frameSize-r.pos, len(chunk))
		if r.cur != nil {
			copy(r.cur.buf[r.pos:], chunk[:n])
		}
		r.pos += n
		chunk = chunk[n:]
		if r.pos == r.frameSize {
			r.finish(emit)
		}
	}
}

func (r *Reassembler) begin() {
	seq := r.Extracted + 1
	r.forward = r.skip <= 0 || seq%uint64(r.skip+1) == 0
	if !r.forward {
		return
	}
	blk, ok := r.pool.Get()
	if !ok {
		return
	}
	if len(blk.buf) != r.frameSize {
		blk.Release()
		return
	}
	blk.Seq = seq
	blk.Width, blk.Height = r.width, r.height
	r.cur = blk
}

func (r *Reassembler) finish(emit func(*Block)) {
	r.Extracted++
	r.pos = 0
	blk := r.cur
	r.cur = nil
	switch {
	case !r.forward:
		r.Skipped++
	case blk == nil:
		r.Dropped++
	default:
		if !blk.transition(blockFilling, blockInflight) {
			panic("capture: frame block changed owner while filling")
		}
		r.Forwarded++
		emit(blk)
	}
}
