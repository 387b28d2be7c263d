package embeddings

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// bertTokenizerJSON is a minimal WordPiece tokenizer in the layout exported
// for all-MiniLM-L6-v2.
const bertTokenizerJSON = `{
  "version": "1.0",
  "truncation": null,
  "padding": null,
  "added_tokens": [
    {"id": 0, "content": "[PAD]", "single_word": false, "lstrip": false, "rstrip": false, "normalized": false, "special": true},
    {"id": 1, "content": "[UNK]", "single_word": false, "lstrip": false, "rstrip": false, "normalized": false, "special": true},
    {"id": 2, "content": "[CLS]", "single_word": false, "lstrip": false, "rstrip": false, "normalized": false, "special": true},
    {"id": 3, "content": "[SEP]", "single_word": false, "lstrip": false, "rstrip": false, "normalized": false, "special": true}
  ],
  "normalizer": {"type": "BertNormalizer", "clean_text": true, "handle_chinese_chars": true, "strip_accents": false, "lowercase": true},
  "pre_tokenizer": {"type": "BertPreTokenizer"},
  "post_processor": {"type": "BertProcessing", "sep": ["[SEP]", 3], "cls": ["[CLS]", 2]},
  "decoder": null,
  "model": {
    "type": "WordPiece",
    "unk_token": "[UNK]",
    "continuing_subword_prefix": "##",
    "max_input_chars_per_word": 100,
    "vocab": {"[PAD]": 0, "[UNK]": 1, "[CLS]": 2, "[SEP]": 3, "hello": 4, "world": 5}
  }
}`

const (
	bertCLS = 2
	bertSEP = 3
)

func loadTestTokenizer(t *testing.T) Tokenizer {
	t.Helper()
	path := filepath.Join(t.TempDir(), TokenizerFileName)
	if err := os.WriteFile(path, []byte(bertTokenizerJSON), 0o644); err != nil {
		t.Fatal(err)
	}
	tok, err := LoadTokenizer(path, MaxSequenceLength)
	if err != nil {
		t.Fatalf("LoadTokenizer: %v", err)
	}
	return tok
}

func TestHFTokenizer_EncodeBatch(t *testing.T) {
	tok := loadTestTokenizer(t)

	t.Run("framing and padding", func(t *testing.T) {
		batch, err := tok.EncodeBatch([]string{"hello world", "hello"})
		if err != nil {
			t.Fatalf("EncodeBatch: %v", err)
		}
		if batch.MaxLength != 4 {
			t.Fatalf("expected batch max length 4, got %d", batch.MaxLength)
		}

		want := []struct {
			ids    []int64
			mask   []int64
			length int
		}{
			{[]int64{bertCLS, 4, 5, bertSEP}, []int64{1, 1, 1, 1}, 4},
			{[]int64{bertCLS, 4, bertSEP, 0}, []int64{1, 1, 1, 0}, 3},
		}
		for i, w := range want {
			seq := batch.Sequences[i]
			if !equalInt64(seq.IDs, w.ids) {
				t.Errorf("sequence %d ids = %v, want %v", i, seq.IDs, w.ids)
			}
			if !equalInt64(seq.AttentionMask, w.mask) {
				t.Errorf("sequence %d mask = %v, want %v", i, seq.AttentionMask, w.mask)
			}
			if seq.Length != w.length {
				t.Errorf("sequence %d length = %d, want %d", i, seq.Length, w.length)
			}
			for _, id := range seq.TypeIDs {
				if id != 0 {
					t.Errorf("sequence %d has non-zero type id: %v", i, seq.TypeIDs)
					break
				}
			}
			if len(seq.TypeIDs) != len(seq.IDs) {
				t.Errorf("sequence %d type ids length %d, want %d", i, len(seq.TypeIDs), len(seq.IDs))
			}
		}
	})

	t.Run("irregular whitespace", func(t *testing.T) {
		batch, err := tok.EncodeBatch([]string{"hello world", "  hello   world\t\n"})
		if err != nil {
			t.Fatalf("EncodeBatch: %v", err)
		}
		if !equalInt64(batch.Sequences[0].IDs, batch.Sequences[1].IDs) {
			t.Errorf("whitespace changed encoding: %v vs %v", batch.Sequences[0].IDs, batch.Sequences[1].IDs)
		}
	})

	t.Run("long input is truncated", func(t *testing.T) {
		long := strings.Repeat("hello ", 300)
		batch, err := tok.EncodeBatch([]string{long, "world"})
		if err != nil {
			t.Fatalf("EncodeBatch: %v", err)
		}
		seq := batch.Sequences[0]
		if len(seq.IDs) != MaxSequenceLength || seq.Length != MaxSequenceLength {
			t.Fatalf("expected %d tokens, got %d (length %d)", MaxSequenceLength, len(seq.IDs), seq.Length)
		}
		if seq.IDs[0] != bertCLS || seq.IDs[MaxSequenceLength-1] != bertSEP {
			t.Errorf("expected [CLS] first and [SEP] last, got %d and %d", seq.IDs[0], seq.IDs[MaxSequenceLength-1])
		}
		short := batch.Sequences[1]
		if len(short.IDs) != MaxSequenceLength || short.Length != 3 {
			t.Errorf("expected short sequence padded to %d with length 3, got %d/%d",
				MaxSequenceLength, len(short.IDs), short.Length)
		}
	})

	t.Run("feeds the tensor builder", func(t *testing.T) {
		batch, err := tok.EncodeBatch([]string{strings.Repeat("world ", 400), "hello"})
		if err != nil {
			t.Fatalf("EncodeBatch: %v", err)
		}
		tensors, err := BuildInputTensors(batch)
		if err != nil {
			t.Fatalf("BuildInputTensors: %v", err)
		}
		if tensors.BatchSize != 2 || tensors.SeqLen != MaxSequenceLength {
			t.Errorf("unexpected tensor shape [%d, %d]", tensors.BatchSize, tensors.SeqLen)
		}
	})
}

func TestLoadTokenizer_RejectsTinyMaxLength(t *testing.T) {
	path := filepath.Join(t.TempDir(), TokenizerFileName)
	if err := os.WriteFile(path, []byte(bertTokenizerJSON), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadTokenizer(path, 2); KindOf(err) != ErrTokenizerLoadFailed {
		t.Errorf("expected ErrTokenizerLoadFailed, got %v", err)
	}
}

func equalInt64(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
