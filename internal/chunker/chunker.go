// Package chunker 提供基于 token 的文本分块能力。
package chunker

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pkoukk/tiktoken-go"
)

// DefaultMaxTokens 和 DefaultOverlapTokens 是每次 Ingest 可覆盖的默认分块参数。
const (
	DefaultMaxTokens     = 512
	DefaultOverlapTokens = 64
	DefaultEncoding      = "o200k_base"
)

// ErrBadChunkConfig 表示分块参数非法（例如 overlap >= max，会导致窗口无法前进）。
var ErrBadChunkConfig = errors.New("invalid chunk configuration")

// Tokenizer 抽象了编码/解码，便于在测试中替换真实的 BPE 词表。
type Tokenizer interface {
	Encode(text string) []int
	Decode(ids []int) string
}

type tiktokenTokenizer struct {
	enc *tiktoken.Tiktoken
}

func (t *tiktokenTokenizer) Encode(text string) []int {
	return t.enc.Encode(text, nil, nil)
}

func (t *tiktokenTokenizer) Decode(ids []int) string {
	return t.enc.Decode(ids)
}

// Chunker 将文档文本切分为带重叠的 token 窗口。
type Chunker struct {
	tok Tokenizer
}

// New 使用指定的 tiktoken 编码创建 Chunker。编码加载一次后全程复用。
func New(encoding string) (*Chunker, error) {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("加载 tiktoken 编码 '%s' 失败: %w", encoding, err)
	}
	return &Chunker{tok: &tiktokenTokenizer{enc: enc}}, nil
}

// NewWithTokenizer 使用自定义 Tokenizer 创建 Chunker。
func NewWithTokenizer(tok Tokenizer) *Chunker {
	return &Chunker{tok: tok}
}

// Chunk 将文本切分为最多 maxTokens 个 token 的窗口，相邻窗口重叠 overlapTokens 个 token。
// 空白文本返回空切片而不是错误；overlap >= max 返回 ErrBadChunkConfig，
// 保证循环每轮窗口起点严格前进，不会死循环。
func (c *Chunker) Chunk(text string, maxTokens, overlapTokens int) ([]string, error) {
	if maxTokens <= 0 {
		return nil, fmt.Errorf("%w: max_tokens 必须为正数, got %d", ErrBadChunkConfig, maxTokens)
	}
	if overlapTokens < 0 {
		return nil, fmt.Errorf("%w: overlap_tokens 不能为负数, got %d", ErrBadChunkConfig, overlapTokens)
	}
	if overlapTokens >= maxTokens {
		return nil, fmt.Errorf("%w: overlap_tokens(%d) 必须小于 max_tokens(%d)", ErrBadChunkConfig, overlapTokens, maxTokens)
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}

	tokenIDs := c.tok.Encode(text)
	n := len(tokenIDs)
	if n == 0 {
		return nil, nil
	}

	var chunks []string
	start := 0
	for start < n {
		end := start + maxTokens
		if end > n {
			end = n
		}
		chunks = append(chunks, c.tok.Decode(tokenIDs[start:end]))
		if end == n {
			break
		}
		// overlap < max 已在入口校验，这里起点必然严格前进
		start = end - overlapTokens
	}
	return chunks, nil
}
