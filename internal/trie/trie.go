// Package trie implements the prefix-search structure served by the
// distributor backends. Each node keeps up to TopPhrasesPerPrefix phrases in
// the order they were first seen, so the input stream must already be sorted
// by descending weight.
package trie

import "strings"

// TopPhrasesPerPrefix is the maximum number of phrases retained per node.
const TopPhrasesPerPrefix = 5

type node struct {
	children map[rune]*node
	top      []*string
}

func newNode() *node {
	return &node{children: make(map[rune]*node)}
}

// Trie maps a prefix to its top phrases. A Trie is built by a single writer
// and is safe for concurrent TopPhrases calls once building has finished.
type Trie struct {
	root    *node
	phrases map[string]*string
	nodes   int
}

// New creates an empty Trie.
func New() *Trie {
	return &Trie{
		root:    newNode(),
		phrases: make(map[string]*string),
		nodes:   1,
	}
}

// Insert adds phrase to every node along its path whose list is not yet
// full. Phrase values are shared between nodes.
func (t *Trie) Insert(phrase string) {
	phrase = strings.ToLower(phrase)
	n := t.root
	for _, c := range phrase {
		child, ok := n.children[c]
		if !ok {
			child = newNode()
			n.children[c] = child
			t.nodes++
		}
		n = child
		if len(n.top) < TopPhrasesPerPrefix {
			n.top = append(n.top, t.intern(phrase))
		}
	}
}

// TopPhrases returns the stored phrases for prefix in insertion order. A
// prefix with no phrases yields an empty slice.
func (t *Trie) TopPhrases(prefix string) []string {
	prefix = strings.ToLower(prefix)
	n := t.root
	for _, c := range prefix {
		child, ok := n.children[c]
		if !ok {
			return []string{}
		}
		n = child
	}
	out := make([]string, len(n.top))
	for i, p := range n.top {
		out[i] = *p
	}
	return out
}

// Len returns the number of distinct phrases stored.
func (t *Trie) Len() int {
	return len(t.phrases)
}

// NodeCount returns the number of nodes including the root.
func (t *Trie) NodeCount() int {
	return t.nodes
}

func (t *Trie) intern(phrase string) *string {
	if p, ok := t.phrases[phrase]; ok {
		return p
	}
	p := &phrase
	t.phrases[phrase] = p
	return p
}
