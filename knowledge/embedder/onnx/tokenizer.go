package onnx

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"unicode"
)

// BERTTokenizer handles BERT-style WordPiece tokenization.
type BERTTokenizer struct {
	vocab    map[string]int
	clsToken int
	sepToken int
	unkToken int
	padToken int
}

// LoadTokenizer loads the WordPiece vocabulary from a Hugging Face tokenizer.json.
func LoadTokenizer(path string) (*BERTTokenizer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tokenizer: %w", err)
	}

	var tokenizerData struct {
		Model struct {
			Vocab map[string]int `json:"vocab"`
		} `json:"model"`
	}
	if err := json.Unmarshal(data, &tokenizerData); err != nil {
		return nil, fmt.Errorf("parse tokenizer: %w", err)
	}
	if len(tokenizerData.Model.Vocab) == 0 {
		return nil, fmt.Errorf("tokenizer %s has no vocabulary", path)
	}
	return NewTokenizer(tokenizerData.Model.Vocab), nil
}

// NewTokenizer builds a tokenizer from a vocabulary. Special tokens fall back
// to the bert-base-uncased ids when missing from vocab.
func NewTokenizer(vocab map[string]int) *BERTTokenizer {
	special := func(tok string, def int) int {
		if id, ok := vocab[tok]; ok {
			return id
		}
		return def
	}
	return &BERTTokenizer{
		vocab:    vocab,
		clsToken: special("[CLS]", 101),
		sepToken: special("[SEP]", 102),
		unkToken: special("[UNK]", 100),
		padToken: special("[PAD]", 0),
	}
}

// Tokenize converts text to token IDs using BERT WordPiece tokenization.
// Punctuation characters become tokens of their own.
func (t *BERTTokenizer) Tokenize(text string) []int64 {
	var tokens []int64
	for _, word := range basicSplit(strings.ToLower(text)) {
		// Try exact match
		if id, ok := t.vocab[word]; ok {
			tokens = append(tokens, int64(id))
			continue
		}
		for _, subword := range t.wordPieceTokenize(word) {
			if id, ok := t.vocab[subword]; ok {
				tokens = append(tokens, int64(id))
			} else {
				tokens = append(tokens, int64(t.unkToken))
			}
		}
	}
	return tokens
}

// Encode wraps the tokens of text in [CLS] ... [SEP], truncated to maxLen.
// It returns the ids and the attention mask, both of the same length.
func (t *BERTTokenizer) Encode(text string, maxLen int) (ids, mask []int64) {
	tokens := t.Tokenize(text)
	if len(tokens) > maxLen-2 { // Reserve space for [CLS] and [SEP]
		tokens = tokens[:maxLen-2]
	}
	ids = make([]int64, 0, len(tokens)+2)
	ids = append(ids, int64(t.clsToken))
	ids = append(ids, tokens...)
	ids = append(ids, int64(t.sepToken))
	mask = make([]int64, len(ids))
	for i := range mask {
		mask[i] = 1
	}
	return ids, mask
}

// basicSplit splits on whitespace and isolates punctuation.
func basicSplit(text string) []string {
	var (
		words []string
		cur   strings.Builder
	)
	flush := func() {
		if cur.Len() > 0 {
			words = append(words, cur.String())
			cur.Reset()
		}
	}
	for _, r := range text {
		switch {
		case unicode.IsSpace(r):
			flush()
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			flush()
			words = append(words, string(r))
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return words
}

// wordPieceTokenize performs greedy longest-match-first WordPiece tokenization.
func (t *BERTTokenizer) wordPieceTokenize(word string) []string {
	if len(word) == 0 {
		return nil
	}

	var subwords []string
	runes := []rune(word)
	start := 0
	for start < len(runes) {
		end := len(runes)
		found := false
		for end > start {
			substr := string(runes[start:end])
			if start > 0 {
				substr = "##" + substr // WordPiece continuation prefix
			}
			if _, ok := t.vocab[substr]; ok {
				subwords = append(subwords, substr)
				start = end
				found = true
				break
			}
			end--
		}
		if !found {
			// A word with an unknown piece is a single [UNK].
			return []string{"[UNK]"}
		}
	}
	return subwords
}

// meanPool averages hidden states over attended positions.
// hidden is laid out [batch, seqLen, dims]; masks holds one row per batch entry.
func meanPool(hidden []float32, masks [][]int64, seqLen, dims int) [][]float32 {
	out := make([][]float32, len(masks))
	for b, mask := range masks {
		emb := make([]float32, dims)
		var attended float32
		for i := 0; i < seqLen && i < len(mask); i++ {
			if mask[i] == 0 {
				continue
			}
			attended++
			offset := (b*seqLen + i) * dims
			for j := 0; j < dims; j++ {
				emb[j] += hidden[offset+j]
			}
		}
		if attended > 0 {
			for j := range emb {
				emb[j] /= attended
			}
		}
		out[b] = emb
	}
	return out
}
