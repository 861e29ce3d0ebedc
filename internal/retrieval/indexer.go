package retrieval

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// maxChunkChars bounds a chunk so one embedding call stays within typical
// embedding model context sizes.
const maxChunkChars = 4000

// indexedExts are the documentation formats the indexer reads.
var indexedExts = map[string]bool{
	".md":   true,
	".mdx":  true,
	".json": true,
	".yaml": true,
	".yml":  true,
}

// IndexStats summarizes one IndexDir pass.
type IndexStats struct {
	Files  int
	Chunks int
}

// IndexDir walks root, chunks every documentation file, embeds the chunks
// and replaces the stored chunks of each file. Paths are stored relative
// to root with forward slashes.
func (x *SQLiteIndex) IndexDir(ctx context.Context, root string) (IndexStats, error) {
	var stats IndexStats
	if x.embedder == nil {
		return stats, fmt.Errorf("index: no embedder configured")
	}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !indexedExts[strings.ToLower(filepath.Ext(path))] {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", rel, err)
		}

		n, err := x.indexFile(ctx, rel, string(content))
		if err != nil {
			return err
		}
		stats.Files++
		stats.Chunks += n
		slog.Debug("indexed documentation file", "path", rel, "chunks", n)
		return nil
	})
	return stats, err
}

func (x *SQLiteIndex) indexFile(ctx context.Context, relPath, content string) (int, error) {
	chunks := ChunkDocument(relPath, content)
	if _, err := x.DeleteFile(ctx, relPath); err != nil {
		return 0, err
	}
	if len(chunks) == 0 {
		return 0, nil
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Title + "\n\n" + c.Content
	}
	vecs, err := x.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("embedding %s: %w", relPath, err)
	}
	for i := range chunks {
		chunks[i].Embedding = vecs[i]
	}

	if err := x.Insert(ctx, chunks); err != nil {
		return 0, err
	}
	return len(chunks), nil
}

// ChunkDocument splits a documentation file into chunks. Markdown is split
// at headings and each chunk is titled by its heading; other formats become
// a single chunk titled by the file name. Oversized chunks are split further.
func ChunkDocument(relPath, content string) []Chunk {
	ext := strings.ToLower(filepath.Ext(relPath))
	base := strings.TrimSuffix(filepath.Base(relPath), filepath.Ext(relPath))

	type section struct {
		title string
		body  strings.Builder
	}
	var sections []*section

	if ext == ".md" || ext == ".mdx" {
		cur := &section{title: base}
		sections = append(sections, cur)
		inFence := false
		for _, line := range strings.Split(content, "\n") {
			trimmed := strings.TrimSpace(line)
			if strings.HasPrefix(trimmed, "```") {
				inFence = !inFence
			}
			if !inFence && strings.HasPrefix(trimmed, "#") {
				title := strings.TrimSpace(strings.TrimLeft(trimmed, "#"))
				if title != "" {
					cur = &section{title: title}
					sections = append(sections, cur)
				}
			}
			cur.body.WriteString(line)
			cur.body.WriteByte('\n')
		}
	} else {
		s := &section{title: base}
		s.body.WriteString(content)
		sections = append(sections, s)
	}

	var chunks []Chunk
	for _, s := range sections {
		body := strings.TrimSpace(s.body.String())
		if body == "" {
			continue
		}
		for _, part := range splitBySize(body, maxChunkChars) {
			chunks = append(chunks, Chunk{
				ID:       fmt.Sprintf("%s#%d", relPath, len(chunks)),
				Title:    s.title,
				FilePath: relPath,
				Content:  part,
			})
		}
	}
	return chunks
}

// splitBySize cuts s into pieces of at most limit bytes, preferring
// paragraph boundaries.
func splitBySize(s string, limit int) []string {
	if len(s) <= limit {
		return []string{s}
	}
	var parts []string
	var cur strings.Builder
	for _, para := range strings.Split(s, "\n\n") {
		for len(para) > limit {
			if cur.Len() > 0 {
				parts = append(parts, strings.TrimSpace(cur.String()))
				cur.Reset()
			}
			cut := strings.LastIndexByte(para[:limit], '\n')
			if cut <= 0 {
				cut = limit
			}
			parts = append(parts, strings.TrimSpace(para[:cut]))
			para = para[cut:]
		}
		if cur.Len()+len(para)+2 > limit && cur.Len() > 0 {
			parts = append(parts, strings.TrimSpace(cur.String()))
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteString("\n\n")
		}
		cur.WriteString(para)
	}
	if strings.TrimSpace(cur.String()) != "" {
		parts = append(parts, strings.TrimSpace(cur.String()))
	}
	return parts
}
