package repository

import "math/rand/v2"

// Treap index over (score DESC, uid ASC). In-order traversal yields the
// best worker first. Priorities are random so the expected depth stays
// logarithmic regardless of score distribution.

type node struct {
	uid   int
	score float64
	prio  uint64
	left  *node
	right *node
	size  int
}

func nsize(n *node) int {
	if n == nil {
		return 0
	}
	return n.size
}

func fix(n *node) {
	if n != nil {
		n.size = 1 + nsize(n.left) + nsize(n.right)
	}
}

// less reports whether (aScore, aUID) ranks before (bScore, bUID).
func less(aScore float64, aUID int, bScore float64, bUID int) bool {
	if aScore != bScore {
		return aScore > bScore
	}
	return aUID < bUID
}

func rotateRight(y *node) *node {
	x := y.left
	y.left = x.right
	x.right = y
	fix(y)
	fix(x)
	return x
}

func rotateLeft(x *node) *node {
	y := x.right
	x.right = y.left
	y.left = x
	fix(x)
	fix(y)
	return y
}

func insert(n *node, uid int, score float64) *node {
	if n == nil {
		return &node{uid: uid, score: score, prio: rand.Uint64(), size: 1}
	}
	if less(score, uid, n.score, n.uid) {
		n.left = insert(n.left, uid, score)
		if n.left.prio > n.prio {
			n = rotateRight(n)
		}
	} else {
		n.right = insert(n.right, uid, score)
		if n.right.prio > n.prio {
			n = rotateLeft(n)
		}
	}
	fix(n)
	return n
}

func remove(n *node, uid int, score float64) *node {
	if n == nil {
		return nil
	}
	switch {
	case n.uid == uid && n.score == score:
		if n.left == nil {
			return n.right
		}
		if n.right == nil {
			return n.left
		}
		if n.left.prio > n.right.prio {
			n = rotateRight(n)
			n.right = remove(n.right, uid, score)
		} else {
			n = rotateLeft(n)
			n.left = remove(n.left, uid, score)
		}
	case less(score, uid, n.score, n.uid):
		n.left = remove(n.left, uid, score)
	default:
		n.right = remove(n.right, uid, score)
	}
	fix(n)
	return n
}

// collectTop appends uids in rank order until limit is reached or scores
// drop to minScore. It returns false once no further node can qualify.
func collectTop(n *node, limit int, minScore float64, out *[]int) bool {
	if n == nil {
		return true
	}
	if !collectTop(n.left, limit, minScore, out) {
		return false
	}
	if len(*out) >= limit || n.score <= minScore {
		return false
	}
	*out = append(*out, n.uid)
	return collectTop(n.right, limit, minScore, out)
}

// rankOf returns the zero-based position of (uid, score) in rank order.
func rankOf(n *node, uid int, score float64) int {
	rank := 0
	for n != nil {
		switch {
		case n.uid == uid && n.score == score:
			return rank + nsize(n.left)
		case less(score, uid, n.score, n.uid):
			n = n.left
		default:
			rank += nsize(n.left) + 1
			n = n.right
		}
	}
	return -1
}
