package core

// TokenID is a single token identifier. The tokenizer/detokenizer service
// that produces and consumes these values is out of scope here (§1).
type TokenID uint32

// TokenVec is a compact owned sequence of token IDs. It exists so prompt
// and edge-token slices can be sliced and compared cheaply without
// repeated conversions; it is a thin wrapper, not a persistent/immutable
// structure — callers that need to retain a slice across mutation must
// Clone it.
type TokenVec []TokenID

// NewTokenVec copies ids into a fresh TokenVec.
func NewTokenVec(ids ...TokenID) TokenVec {
	v := make(TokenVec, len(ids))
	copy(v, ids)
	return v
}

// Clone returns an independent copy.
func (v TokenVec) Clone() TokenVec {
	if v == nil {
		return nil
	}
	out := make(TokenVec, len(v))
	copy(out, v)
	return out
}

// CommonPrefixLen returns the length of the shared leading run between v
// and other.
func (v TokenVec) CommonPrefixLen(other TokenVec) int {
	n := len(v)
	if len(other) < n {
		n = len(other)
	}
	for i := 0; i < n; i++ {
		if v[i] != other[i] {
			return i
		}
	}
	return n
}

// Equal reports whether v and other hold the same token sequence.
func (v TokenVec) Equal(other TokenVec) bool {
	return len(v) == len(other) && v.CommonPrefixLen(other) == len(v)
}
