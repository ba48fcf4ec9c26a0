package fifo

// Circular fifo used as bounded buffering in the transport receive path
type Fifo[T any] struct {
	buffer   []T
	writePos int
	readPos  int
}

func NewFifo[T any](size int) *Fifo[T] {
	f := &Fifo[T]{
		buffer:   make([]T, size+1),
		writePos: 0,
		readPos:  0,
	}
	return f
}

func (f *Fifo[T]) Reset() {
	f.readPos = 0
	f.writePos = 0
}

func (f *Fifo[T]) Space() int {
	sizeLeft := f.readPos - f.writePos - 1
	if sizeLeft < 0 {
		sizeLeft += len(f.buffer)
	}
	return sizeLeft
}

func (f *Fifo[T]) Occupied() int {
	sizeOccupied := f.writePos - f.readPos
	if sizeOccupied < 0 {
		sizeOccupied += len(f.buffer)
	}
	return sizeOccupied
}

// Push an element to fifo, returns false if fifo is full
func (f *Fifo[T]) Push(element T) bool {
	writePosNext := f.writePos + 1
	if writePosNext == f.readPos || (writePosNext == len(f.buffer) && f.readPos == 0) {
		return false
	}
	f.buffer[f.writePos] = element
	if writePosNext == len(f.buffer) {
		f.writePos = 0
	} else {
		f.writePos = writePosNext
	}
	return true
}

// Pop an element from fifo, returns false if fifo is empty
func (f *Fifo[T]) Pop() (T, bool) {
	var element T
	if f.readPos == f.writePos {
		return element, false
	}
	element = f.buffer[f.readPos]
	if f.readPos+1 == len(f.buffer) {
		f.readPos = 0
	} else {
		f.readPos += 1
	}
	return element, true
}
