package folderview

import (
	"sort"

	"github.com/agentworkforce/relaymail/internal/maildb"
)

const noParent = -1

type arenaNode struct {
	entryPK    string
	previousPK string
	mail       *maildb.Mail
	folders    []int
	parent     int
	children   []int

	size    int
	unread  int
	maxDate int64
}

// arena owns every conversation node of one account view. Nodes reference
// each other by index so forward references resolve through lookupOrInsert.
type arena struct {
	nodes []arenaNode
	index map[string]int
}

func newArena(capacity int) *arena {
	return &arena{
		nodes: make([]arenaNode, 0, capacity),
		index: make(map[string]int, capacity),
	}
}

func (a *arena) lookupOrInsert(pk string) int {
	if i, ok := a.index[pk]; ok {
		return i
	}
	a.nodes = append(a.nodes, arenaNode{entryPK: pk, parent: noParent})
	i := len(a.nodes) - 1
	a.index[pk] = i
	return i
}

// link attaches every node with a previous pk to its parent, creating a
// placeholder root when the parent was never seen. It returns the roots.
func (a *arena) link() []int {
	for i := 0; i < len(a.nodes); i++ {
		previous := a.nodes[i].previousPK
		if previous == "" || a.nodes[i].parent != noParent {
			continue
		}
		parent := a.lookupOrInsert(previous)
		if parent == i || a.isAncestor(i, parent) {
			a.nodes[i].previousPK = ""
			continue
		}
		a.nodes[i].parent = parent
		a.nodes[parent].children = append(a.nodes[parent].children, i)
	}
	roots := make([]int, 0)
	for i := range a.nodes {
		if a.nodes[i].parent == noParent {
			roots = append(roots, i)
		}
	}
	return roots
}

// isAncestor reports whether node already sits on the parent chain of
// candidate, which would close a cycle.
func (a *arena) isAncestor(node, candidate int) bool {
	for current := candidate; current != noParent; current = a.nodes[current].parent {
		if current == node {
			return true
		}
	}
	return false
}

func (a *arena) root(i int) int {
	for a.nodes[i].parent != noParent {
		i = a.nodes[i].parent
	}
	return i
}

// summarize fills size, unread and maxDate on root from its subtree and sorts
// every child list: placeholders first, then newest mail first.
func (a *arena) summarize(root int) {
	stack := []int{root}
	r := &a.nodes[root]
	r.size, r.unread, r.maxDate = 0, 0, 0
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		node := &a.nodes[i]
		if node.mail != nil {
			r.size++
			if node.mail.Unread {
				r.unread++
			}
			if node.mail.SentDate > r.maxDate {
				r.maxDate = node.mail.SentDate
			}
		}
		a.sortChildren(i)
		stack = append(stack, node.children...)
	}
}

func (a *arena) sortChildren(i int) {
	children := a.nodes[i].children
	sort.SliceStable(children, func(x, y int) bool {
		left, right := a.nodes[children[x]], a.nodes[children[y]]
		if (left.mail == nil) != (right.mail == nil) {
			return left.mail == nil
		}
		if left.mail == nil {
			return left.entryPK < right.entryPK
		}
		if left.mail.SentDate != right.mail.SentDate {
			return left.mail.SentDate > right.mail.SentDate
		}
		return left.entryPK < right.entryPK
	})
}

// walk visits root and its descendants.
func (a *arena) walk(root int, fn func(*arenaNode)) {
	stack := []int{root}
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		fn(&a.nodes[i])
		stack = append(stack, a.nodes[i].children...)
	}
}
