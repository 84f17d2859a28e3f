package allocators

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrZeroSize      = errors.New("allocation size must be greater than zero")
	ErrLimitExceeded = errors.New("space limit exceeded")
	ErrOutOfRange    = errors.New("range is beyond used bytes")
	ErrDoubleFree    = errors.New("range overlaps a free range")
)

// Space is a half-open byte range [Offset, Offset+Bytes) of the backing file.
type Space struct {
	Offset uint64
	Bytes  uint64
}

func (s Space) End() uint64 {
	return s.Offset + s.Bytes
}

func (s Space) String() string {
	return fmt.Sprintf("[%d, %d)", s.Offset, s.End())
}

// SpaceManager hands out byte ranges of a growing file and keeps freed ranges
// for reuse. Free ranges are disjoint and never adjacent.
//
// usedBytes is the end of the highest range in use. A free range that starts at
// usedBytes (the tail range) is absorbed when the file grows.
//
// SpaceManager is not safe for concurrent use.
type SpaceManager struct {
	limit     uint64
	usedBytes uint64
	avail     []Space
}

// NewSpaceManager creates a manager. limit == 0 means unbounded.
func NewSpaceManager(limit uint64) *SpaceManager {
	return &SpaceManager{limit: limit}
}

// Alloc returns the offset of a range of the requested size. The smallest free
// range that fits is used first; otherwise the range is appended at UsedBytes.
func (m *SpaceManager) Alloc(bytes uint64) (uint64, error) {
	if bytes == 0 {
		return 0, ErrZeroSize
	}

	best := -1
	for i, s := range m.avail {
		if s.Bytes < bytes {
			continue
		}
		if best < 0 || s.Bytes < m.avail[best].Bytes {
			best = i
		}
	}

	if best >= 0 {
		offset := m.avail[best].Offset
		m.avail[best].Offset += bytes
		m.avail[best].Bytes -= bytes
		if m.avail[best].Bytes == 0 {
			m.remove(best)
		}
		if offset+bytes > m.usedBytes {
			m.usedBytes = offset + bytes
		}
		return offset, nil
	}

	offset := m.usedBytes
	if m.limit > 0 && (m.limit < offset || m.limit-offset < bytes) {
		return 0, fmt.Errorf("%w: need %d bytes at %d, limit %d", ErrLimitExceeded, bytes, offset, m.limit)
	}
	if i := m.find(offset); i >= 0 {
		m.remove(i)
	}
	m.usedBytes = offset + bytes
	return offset, nil
}

// Free returns [offset, offset+bytes) to the manager, merging it with
// neighbouring free ranges.
func (m *SpaceManager) Free(offset, bytes uint64) error {
	if bytes == 0 {
		return ErrZeroSize
	}
	freed := Space{Offset: offset, Bytes: bytes}
	if freed.End() > m.usedBytes || freed.End() < offset {
		return fmt.Errorf("%w: %s, used %d", ErrOutOfRange, freed, m.usedBytes)
	}

	left, right := -1, -1
	for i, s := range m.avail {
		if s.Offset < freed.End() && freed.Offset < s.End() {
			return fmt.Errorf("%w: %s overlaps %s", ErrDoubleFree, freed, s)
		}
		if s.End() == freed.Offset {
			left = i
		}
		if s.Offset == freed.End() {
			right = i
		}
	}

	atTail := freed.End() == m.usedBytes
	merged := freed
	if left >= 0 {
		merged.Offset = m.avail[left].Offset
		merged.Bytes += m.avail[left].Bytes
	}
	if right >= 0 {
		merged.Bytes += m.avail[right].Bytes
	}

	// drop the higher index first so the lower one stays valid
	switch {
	case left >= 0 && right >= 0:
		hi, lo := left, right
		if lo > hi {
			hi, lo = lo, hi
		}
		m.remove(hi)
		m.remove(lo)
	case left >= 0:
		m.remove(left)
	case right >= 0:
		m.remove(right)
	}
	m.avail = append(m.avail, merged)

	if atTail {
		m.usedBytes = merged.Offset
	}
	return nil
}

func (m *SpaceManager) UsedBytes() uint64 {
	return m.usedBytes
}

func (m *SpaceManager) Limit() uint64 {
	return m.limit
}

// FreeSpaces returns a copy of the free ranges in table order.
func (m *SpaceManager) FreeSpaces() []Space {
	out := make([]Space, len(m.avail))
	copy(out, m.avail)
	return out
}

func (m *SpaceManager) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "SpaceManager(used=%d, limit=%d, avail=[", m.usedBytes, m.limit)
	for i, s := range m.avail {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(s.String())
	}
	sb.WriteString("])")
	return sb.String()
}

func (m *SpaceManager) find(offset uint64) int {
	for i, s := range m.avail {
		if s.Offset == offset {
			return i
		}
	}
	return -1
}

func (m *SpaceManager) remove(i int) {
	last := len(m.avail) - 1
	m.avail[i] = m.avail[last]
	m.avail = m.avail[:last]
}
