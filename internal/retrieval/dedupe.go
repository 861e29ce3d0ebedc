package retrieval

import (
	"strings"

	"github.com/kalambet/docminer/internal/model"
)

// localeSegments are path segments that mark a translated copy of a page.
var localeSegments = map[string]bool{
	"ar": true, "de": true, "en": true, "es": true, "fr": true, "id": true, "it": true,
	"ja": true, "ko": true, "nl": true, "pl": true, "pt": true, "pt-br": true,
	"ru": true, "tr": true, "uk": true, "vi": true, "zh": true, "zh-cn": true,
	"zh-hans": true, "zh-hant": true, "zh-tw": true,
}

// Dedupe drops near-identical hits from docs, which must be ordered by
// descending similarity. A page that reappears under another locale
// directory keeps only the chunks of its best-ranked variant, and chunks
// with identical content are kept once.
func Dedupe(docs []model.RagDocument) []model.RagDocument {
	out := make([]model.RagDocument, 0, len(docs))
	variant := make(map[string]string) // canonical path -> chosen concrete path
	seen := make(map[string]bool)

	for _, d := range docs {
		canon := canonicalPath(d.FilePath)
		if chosen, ok := variant[canon]; ok && chosen != d.FilePath {
			continue
		}
		variant[canon] = d.FilePath

		key := strings.Join(strings.Fields(d.Content), " ")
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, d)
	}
	return out
}

// canonicalPath strips locale directories and lowercases the path.
func canonicalPath(p string) string {
	segs := strings.Split(strings.ToLower(p), "/")
	kept := segs[:0]
	for i, s := range segs {
		// The file name itself is never a locale.
		if i < len(segs)-1 && (localeSegments[s] || s == "i18n" || s == "locales") {
			continue
		}
		kept = append(kept, s)
	}
	return strings.Join(kept, "/")
}
