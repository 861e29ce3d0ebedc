package retrieval

import (
	"testing"

	"github.com/kalambet/docminer/internal/model"
)

func TestDedupe(t *testing.T) {
	tests := []struct {
		name string
		in   []model.RagDocument
		want []string
	}{
		{
			name: "translated copy dropped",
			in: []model.RagDocument{
				{FilePath: "docs/install.md", Content: "Install with make", Similarity: 0.9},
				{FilePath: "docs/ja/install.md", Content: "make でインストール", Similarity: 0.8},
				{FilePath: "docs/usage.md", Content: "Run it", Similarity: 0.7},
			},
			want: []string{"docs/install.md", "docs/usage.md"},
		},
		{
			name: "best ranked locale wins",
			in: []model.RagDocument{
				{FilePath: "i18n/de/faq.md", Content: "Antwort", Similarity: 0.9},
				{FilePath: "faq.md", Content: "Answer", Similarity: 0.85},
			},
			want: []string{"i18n/de/faq.md"},
		},
		{
			name: "sections of one page kept",
			in: []model.RagDocument{
				{FilePath: "docs/install.md", Content: "part one", Similarity: 0.9},
				{FilePath: "docs/install.md", Content: "part two", Similarity: 0.8},
			},
			want: []string{"docs/install.md", "docs/install.md"},
		},
		{
			name: "identical content collapsed",
			in: []model.RagDocument{
				{FilePath: "a.md", Content: "same   text", Similarity: 0.9},
				{FilePath: "b.md", Content: "same text", Similarity: 0.8},
			},
			want: []string{"a.md"},
		},
		{
			name: "file named like a locale kept",
			in: []model.RagDocument{
				{FilePath: "docs/de", Content: "x", Similarity: 0.9},
				{FilePath: "docs/fr", Content: "y", Similarity: 0.8},
			},
			want: []string{"docs/de", "docs/fr"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Dedupe(tt.in)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d docs, want %d: %+v", len(got), len(tt.want), got)
			}
			for i, p := range tt.want {
				if got[i].FilePath != p {
					t.Errorf("got[%d] = %s, want %s", i, got[i].FilePath, p)
				}
			}
		})
	}
}
