package trie

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func walk(n *node, fn func(*node)) {
	fn(n)
	for _, child := range n.children {
		walk(child, fn)
	}
}

func TestInsertCapsEveryNode(t *testing.T) {
	tr := New()
	rng := rand.New(rand.NewSource(7))
	letters := []rune("abc")
	for i := 0; i < 2000; i++ {
		size := 1 + rng.Intn(6)
		buf := make([]rune, size)
		for j := range buf {
			buf[j] = letters[rng.Intn(len(letters))]
		}
		tr.Insert(string(buf))

		walk(tr.root, func(n *node) {
			require.LessOrEqual(t, len(n.top), TopPhrasesPerPrefix)
		})
	}
}

func TestFirstInsertedWins(t *testing.T) {
	tr := New()
	for i := 0; i < 8; i++ {
		tr.Insert(fmt.Sprintf("car%d", i))
	}
	assert.Equal(t, []string{"car0", "car1", "car2", "car3", "car4"}, tr.TopPhrases("car"))
	assert.Equal(t, []string{"car7"}, tr.TopPhrases("car7"))
}

func TestTopPhrasesMiss(t *testing.T) {
	tr := New()
	tr.Insert("apple")

	got := tr.TopPhrases("banana")
	assert.NotNil(t, got)
	assert.Empty(t, got)
	assert.Empty(t, tr.TopPhrases("applesauce"))
	assert.Empty(t, tr.TopPhrases(""))
}

func TestLowercasesInsertAndQuery(t *testing.T) {
	tr := New()
	tr.Insert("New York")
	assert.Equal(t, []string{"new york"}, tr.TopPhrases("NEW"))
	assert.Equal(t, []string{"new york"}, tr.TopPhrases("new y"))
}

func TestMultibytePrefixes(t *testing.T) {
	tr := New()
	tr.Insert("über")
	tr.Insert("übung")
	assert.Equal(t, []string{"über", "übung"}, tr.TopPhrases("ü"))
	assert.Equal(t, []string{"übung"}, tr.TopPhrases("übu"))
}

func TestPhrasesAreShared(t *testing.T) {
	tr := New()
	tr.Insert("apple")
	tr.Insert("apple")

	assert.Equal(t, 1, tr.Len())
	a := tr.root.children['a']
	ap := a.children['p']
	require.Len(t, a.top, 2)
	assert.Same(t, a.top[0], ap.top[0])
	assert.Equal(t, []string{"apple", "apple"}, tr.TopPhrases("a"))
}

func TestEndToEndCorpusQueries(t *testing.T) {
	tr := New()
	for _, p := range []string{"apple", "apply", "april"} {
		tr.Insert(p)
	}
	assert.Equal(t, []string{"apple", "apply"}, tr.TopPhrases("app"))
	assert.Equal(t, []string{"april"}, tr.TopPhrases("apr"))
	assert.Equal(t, []string{}, tr.TopPhrases("z"))
}

func TestConcurrentQueries(t *testing.T) {
	tr := New()
	for i := 0; i < 500; i++ {
		tr.Insert(fmt.Sprintf("phrase-%03d", i))
	}
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				assert.Len(t, tr.TopPhrases("phrase-"), TopPhrasesPerPrefix)
			}
		}()
	}
	wg.Wait()
}

func TestNodeCount(t *testing.T) {
	tr := New()
	tr.Insert("ab")
	tr.Insert("ac")
	assert.Equal(t, 4, tr.NodeCount())
}
