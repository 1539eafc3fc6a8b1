package chunker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wordTokenizer 按空白切词的测试用 Tokenizer，token id 即词在词表中的序号。
type wordTokenizer struct {
	words []string
	index map[string]int
}

func newWordTokenizer() *wordTokenizer {
	return &wordTokenizer{index: map[string]int{}}
}

func (t *wordTokenizer) Encode(text string) []int {
	var ids []int
	for _, w := range strings.Fields(text) {
		id, ok := t.index[w]
		if !ok {
			id = len(t.words)
			t.words = append(t.words, w)
			t.index[w] = id
		}
		ids = append(ids, id)
	}
	return ids
}

func (t *wordTokenizer) Decode(ids []int) string {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, t.words[id])
	}
	return strings.Join(parts, " ")
}

func genWords(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = "w" + string(rune('a'+i%26)) + strings.Repeat("x", i%3)
	}
	return strings.Join(parts, " ")
}

func TestChunkEmptyInput(t *testing.T) {
	c := NewWithTokenizer(newWordTokenizer())

	for _, text := range []string{"", "   ", "\n\t  \n"} {
		chunks, err := c.Chunk(text, 512, 64)
		require.NoError(t, err)
		assert.Empty(t, chunks)
	}
}

func TestChunkSingleWindow(t *testing.T) {
	c := NewWithTokenizer(newWordTokenizer())

	chunks, err := c.Chunk("alpha beta gamma", 512, 64)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "alpha beta gamma", chunks[0])
}

func TestChunkCountFormula(t *testing.T) {
	// chunk 数应为 ceil((n - overlap) / (max - overlap))
	cases := []struct {
		nTokens, max, overlap int
	}{
		{100, 10, 2},
		{512, 512, 64},
		{513, 512, 64},
		{1000, 512, 64},
		{7, 3, 1},
		{1, 512, 64},
	}
	for _, tc := range cases {
		c := NewWithTokenizer(newWordTokenizer())
		chunks, err := c.Chunk(genWords(tc.nTokens), tc.max, tc.overlap)
		require.NoError(t, err)

		step := tc.max - tc.overlap
		want := (tc.nTokens - tc.overlap + step - 1) / step
		if want < 1 {
			want = 1
		}
		assert.Len(t, chunks, want, "n=%d max=%d overlap=%d", tc.nTokens, tc.max, tc.overlap)
	}
}

func TestChunkReconstruction(t *testing.T) {
	// 去掉每个后续窗口开头的 overlap 个 token 后，拼接应还原完整 token 序列。
	tok := newWordTokenizer()
	c := NewWithTokenizer(tok)
	text := genWords(137)
	max, overlap := 16, 5

	chunks, err := c.Chunk(text, max, overlap)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)

	var rebuilt []int
	for i, ch := range chunks {
		ids := tok.Encode(ch)
		if i > 0 {
			ids = ids[overlap:]
		}
		rebuilt = append(rebuilt, ids...)
	}
	assert.Equal(t, tok.Encode(text), rebuilt)
}

func TestChunkOverlapRepeatsBoundary(t *testing.T) {
	tok := newWordTokenizer()
	c := NewWithTokenizer(tok)

	chunks, err := c.Chunk(genWords(20), 8, 3)
	require.NoError(t, err)
	require.True(t, len(chunks) >= 2)

	first := tok.Encode(chunks[0])
	second := tok.Encode(chunks[1])
	assert.Equal(t, first[len(first)-3:], second[:3])
}

func TestChunkBadConfig(t *testing.T) {
	c := NewWithTokenizer(newWordTokenizer())
	text := genWords(50)

	for _, tc := range []struct{ max, overlap int }{
		{0, 0}, {-1, 0}, {10, -1}, {10, 10}, {10, 12},
	} {
		_, err := c.Chunk(text, tc.max, tc.overlap)
		assert.ErrorIs(t, err, ErrBadChunkConfig, "max=%d overlap=%d", tc.max, tc.overlap)
	}
}

func TestChunkConfigValidatedBeforeTokenize(t *testing.T) {
	// 即使输入为空，非法配置也必须立刻报错而不是静默返回空结果。
	c := NewWithTokenizer(newWordTokenizer())
	_, err := c.Chunk("", 10, 10)
	assert.ErrorIs(t, err, ErrBadChunkConfig)
}
