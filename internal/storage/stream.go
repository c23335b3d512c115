package storage

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// StreamID is the (milliseconds, sequence) pair identifying a stream entry.
// Ordering is lexicographic on (Ms, Seq).
type StreamID struct {
	Ms  uint64
	Seq uint64
}

var (
	minStreamID = StreamID{0, 0}
	maxStreamID = StreamID{math.MaxUint64, math.MaxUint64}
)

func (id StreamID) String() string {
	return fmt.Sprintf("%d-%d", id.Ms, id.Seq)
}

// Compare returns -1, 0 or 1 as id orders before, equal to or after other.
func (id StreamID) Compare(other StreamID) int {
	if id.Ms != other.Ms {
		if id.Ms < other.Ms {
			return -1
		}
		return 1
	}
	if id.Seq != other.Seq {
		if id.Seq < other.Seq {
			return -1
		}
		return 1
	}
	return 0
}

// next returns the smallest ID strictly greater than id. Used to turn an
// exclusive range bound into an inclusive one.
func (id StreamID) next() StreamID {
	if id.Seq == math.MaxUint64 {
		return StreamID{Ms: id.Ms + 1, Seq: 0}
	}
	return StreamID{Ms: id.Ms, Seq: id.Seq + 1}
}

// StreamEntry carries the ID and the alternating field/value list. Field
// order is significant for replies.
type StreamEntry struct {
	ID     StreamID
	Fields []string
}

// Stream is an append-only entry sequence. IDs are strictly increasing, so
// the slice is always sorted and ranges use binary search.
type Stream struct {
	entries []StreamEntry
}

func (st *Stream) top() StreamID {
	if len(st.entries) == 0 {
		return minStreamID
	}
	return st.entries[len(st.entries)-1].ID
}

// AddStream appends an entry to the stream at key, creating the stream if
// needed, and returns the resolved ID as "ms-seq".
//
// The idSpec is "*" (auto), "<ms>-*" (auto sequence) or "<ms>-<seq>".
func (s *Store) AddStream(key, idSpec string, fields []string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	val, exists := s.getLive(key)
	if exists && val.Kind != StreamKind {
		return "", ErrWrongType
	}

	var st *Stream
	if exists {
		st = val.Stream
	} else {
		st = &Stream{}
	}
	top := st.top()

	id, err := s.resolveStreamID(idSpec, top)
	if err != nil {
		return "", err
	}

	if id.Compare(minStreamID) <= 0 {
		return "", ErrIDNonPositive
	}
	if len(st.entries) > 0 && id.Compare(top) <= 0 {
		return "", ErrIDTooSmall
	}

	st.entries = append(st.entries, StreamEntry{ID: id, Fields: fields})
	if !exists {
		s.data[key] = &Value{Kind: StreamKind, Stream: st}
	}

	return id.String(), nil
}

func (s *Store) resolveStreamID(spec string, top StreamID) (StreamID, error) {
	if spec == "*" {
		ms := uint64(s.clock.Now().UnixMilli())
		if ms > top.Ms {
			return StreamID{Ms: ms, Seq: 0}, nil
		}
		return StreamID{Ms: top.Ms, Seq: top.Seq + 1}, nil
	}

	ms, seqPart, found := strings.Cut(spec, "-")
	if !found {
		return StreamID{}, ErrInvalidID
	}

	msVal, err := strconv.ParseUint(ms, 10, 64)
	if err != nil {
		return StreamID{}, ErrInvalidID
	}

	if seqPart == "*" {
		id := StreamID{Ms: msVal, Seq: 0}
		if top.Ms == msVal {
			id.Seq = top.Seq + 1
		}
		if id == minStreamID {
			id.Seq = 1
		}
		return id, nil
	}

	seqVal, err := strconv.ParseUint(seqPart, 10, 64)
	if err != nil {
		return StreamID{}, ErrInvalidID
	}
	return StreamID{Ms: msVal, Seq: seqVal}, nil
}

// StreamTop returns the highest ID in the stream at key. The second return
// is false when the key holds no stream.
func (s *Store) StreamTop(key string) (StreamID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	val, exists := s.getLive(key)
	if !exists || val.Kind != StreamKind || len(val.Stream.entries) == 0 {
		return minStreamID, false
	}
	return val.Stream.top(), true
}

// RangeStream returns entries with IDs in [start, end], both bounds given in
// range syntax: "-", "+", bare milliseconds, "ms-seq", or "("-prefixed for
// an exclusive start; a "(" prefix on end is accepted and the end stays
// inclusive. An empty end means no upper limit. Each entry is
// [idString, [f1, v1, ...]].
func (s *Store) RangeStream(key, start, end string) ([]interface{}, error) {
	startID, err := parseRangeBound(start, false)
	if err != nil {
		return nil, err
	}
	if end == "" {
		end = "+"
	}
	endID, err := parseRangeBound(end, true)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	val, exists := s.getLive(key)
	if !exists {
		return nil, nil
	}
	if val.Kind != StreamKind {
		return nil, ErrWrongType
	}

	entries := val.Stream.entries
	lo := sort.Search(len(entries), func(i int) bool {
		return entries[i].ID.Compare(startID) >= 0
	})
	hi := sort.Search(len(entries), func(i int) bool {
		return entries[i].ID.Compare(endID) > 0
	})

	result := make([]interface{}, 0, hi-lo)
	for _, e := range entries[lo:hi] {
		fields := make([]string, len(e.Fields))
		copy(fields, e.Fields)
		result = append(result, []interface{}{e.ID.String(), fields})
	}

	return result, nil
}

// parseRangeBound parses a range boundary. An exclusive start ("(id") is
// normalised to the inclusive ID just past it; on the end side the "("
// prefix is dropped and the bound is inclusive.
func parseRangeBound(spec string, isEnd bool) (StreamID, error) {
	exclusive := false
	if strings.HasPrefix(spec, "(") {
		exclusive = true
		spec = spec[1:]
	}

	var id StreamID
	switch {
	case spec == "-":
		id = minStreamID
	case spec == "+":
		id = maxStreamID
	case !strings.Contains(spec, "-"):
		ms, err := strconv.ParseUint(spec, 10, 64)
		if err != nil {
			return StreamID{}, ErrInvalidID
		}
		id = StreamID{Ms: ms, Seq: 0}
		if isEnd {
			id.Seq = math.MaxUint64
		}
	default:
		msPart, seqPart, _ := strings.Cut(spec, "-")
		ms, err := strconv.ParseUint(msPart, 10, 64)
		if err != nil {
			return StreamID{}, ErrInvalidID
		}
		seq, err := strconv.ParseUint(seqPart, 10, 64)
		if err != nil {
			return StreamID{}, ErrInvalidID
		}
		id = StreamID{Ms: ms, Seq: seq}
	}

	if exclusive && !isEnd {
		id = id.next()
	}
	return id, nil
}
