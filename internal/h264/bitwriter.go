package h264

// BitWriter는 RBSP 비트열을 MSB부터 채워 나가는 writer입니다
type BitWriter struct {
	buf   []byte
	cur   byte
	nbits int // cur에 채워진 비트 수
}

// NewBitWriter는 용량 힌트를 받아 BitWriter를 생성합니다
func NewBitWriter(capacity int) *BitWriter {
	return &BitWriter{buf: make([]byte, 0, capacity)}
}

// WriteBit는 1비트를 씁니다
func (w *BitWriter) WriteBit(b bool) {
	w.cur <<= 1
	if b {
		w.cur |= 1
	}
	w.nbits++
	if w.nbits == 8 {
		w.buf = append(w.buf, w.cur)
		w.cur = 0
		w.nbits = 0
	}
}

// WriteBits는 v의 하위 n비트를 씁니다 (u(n))
func (w *BitWriter) WriteBits(v uint64, n int) {
	for i := n - 1; i >= 0; i-- {
		w.WriteBit((v>>uint(i))&1 == 1)
	}
}

// WriteByte는 바이트 정렬 여부와 관계없이 8비트를 씁니다
func (w *BitWriter) WriteByte(b byte) error {
	if w.nbits == 0 {
		w.buf = append(w.buf, b)
		return nil
	}
	w.WriteBits(uint64(b), 8)
	return nil
}

// WriteUE는 unsigned Exp-Golomb 코드를 씁니다 (ue(v))
func (w *BitWriter) WriteUE(v uint32) {
	x := uint64(v) + 1
	n := 0
	for t := x; t > 1; t >>= 1 {
		n++
	}
	w.WriteBits(0, n)
	w.WriteBits(x, n+1)
}

// WriteSE는 signed Exp-Golomb 코드를 씁니다 (se(v))
func (w *BitWriter) WriteSE(v int32) {
	if v > 0 {
		w.WriteUE(uint32(2*v - 1))
		return
	}
	w.WriteUE(uint32(-2 * v))
}

// ByteAligned는 현재 위치가 바이트 경계인지 반환합니다
func (w *BitWriter) ByteAligned() bool {
	return w.nbits == 0
}

// AlignZero는 바이트 경계까지 0 비트를 채웁니다 (pcm_alignment_zero_bit)
func (w *BitWriter) AlignZero() {
	for !w.ByteAligned() {
		w.WriteBit(false)
	}
}

// WriteTrailingBits는 rbsp_trailing_bits()를 씁니다
func (w *BitWriter) WriteTrailingBits() {
	w.WriteBit(true)
	w.AlignZero()
}

// Bytes는 지금까지 완성된 바이트를 반환합니다
// 바이트 경계가 아니면 남은 비트는 포함되지 않습니다
func (w *BitWriter) Bytes() []byte {
	return w.buf
}

// Len은 쓰여진 전체 비트 수입니다
func (w *BitWriter) Len() int {
	return len(w.buf)*8 + w.nbits
}
