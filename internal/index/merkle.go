package index

import (
	"github.com/roach88/dsm/internal/canonical"
	"github.com/roach88/dsm/internal/crypto"
)

// Step is one sibling on an audit path.
type Step struct {
	Hash []byte `cramberry:"1" json:"hash"`
	// Left is true when the sibling sits to the left of the running hash.
	Left bool `cramberry:"2" json:"left,omitempty"`
}

func leafHash(p crypto.Primitives, n uint64, stateID []byte) []byte {
	return p.Hash(canonical.Frame(canonical.DomainIndexLeaf, canonical.Uint64(n), stateID))
}

func nodeHash(p crypto.Primitives, left, right []byte) []byte {
	return p.Hash(canonical.Frame(canonical.DomainIndexNode, left, right))
}

// nextLevel pairs adjacent nodes. An odd node out is promoted unchanged.
func nextLevel(p crypto.Primitives, level [][]byte) [][]byte {
	next := make([][]byte, 0, (len(level)+1)/2)
	for i := 0; i < len(level); i += 2 {
		if i+1 == len(level) {
			next = append(next, level[i])
			continue
		}
		next = append(next, nodeHash(p, level[i], level[i+1]))
	}
	return next
}

func merkleRoot(p crypto.Primitives, nodes [][]byte) []byte {
	if len(nodes) == 0 {
		return p.Hash(canonical.Frame(canonical.DomainIndexNode))
	}
	level := nodes
	for len(level) > 1 {
		level = nextLevel(p, level)
	}
	return level[0]
}

func merklePath(p crypto.Primitives, nodes [][]byte, idx int) []Step {
	var path []Step
	level := nodes
	for len(level) > 1 {
		sib := idx ^ 1
		if sib < len(level) {
			path = append(path, Step{Hash: level[sib], Left: sib < idx})
		}
		level = nextLevel(p, level)
		idx /= 2
	}
	return path
}

func fold(p crypto.Primitives, h []byte, path []Step) []byte {
	for _, s := range path {
		if s.Left {
			h = nodeHash(p, s.Hash, h)
		} else {
			h = nodeHash(p, h, s.Hash)
		}
	}
	return h
}
