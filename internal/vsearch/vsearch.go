// Package vsearch keeps a similarity index over workspace files for the
// vsearch tool. The index lives under `.ads/vector/` and survives restarts.
package vsearch

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	"github.com/adsdev/ads/internal/common/config"
	"github.com/adsdev/ads/internal/common/logger"
)

const (
	collectionName = "workspace"

	chunkLines   = 100
	maxFileBytes = 512 * 1024

	defaultTopK      = 5
	defaultCacheSize = 128
)

var skipDirs = map[string]bool{
	".git":         true,
	".ads":         true,
	"node_modules": true,
	"vendor":       true,
	"dist":         true,
	"build":        true,
	"__pycache__":  true,
}

var indexedExts = map[string]bool{
	".go": true, ".py": true, ".js": true, ".ts": true, ".tsx": true,
	".jsx": true, ".java": true, ".rs": true, ".c": true, ".cpp": true,
	".h": true, ".rb": true, ".php": true, ".cs": true, ".swift": true,
	".kt": true, ".md": true, ".txt": true, ".yaml": true, ".yml": true,
	".json": true, ".toml": true, ".sql": true, ".sh": true,
}

// Match is one scored chunk.
type Match struct {
	Path       string
	StartLine  int
	Content    string
	Similarity float32
}

// Index wraps the embedded vector database.
type Index struct {
	log      *logger.Logger
	db       *chromem.DB
	col      *chromem.Collection
	embedder Embedder
	cache    *lru.Cache[string, []Match]
	topK     int

	mu sync.Mutex // guards the collection swap during reindex
}

// Open loads or creates the persistent index under dir. Without an
// embeddings endpoint configured, the local hashing embedder is used.
func Open(cfg config.VectorConfig, dir string, log *logger.Logger) (*Index, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create vector dir: %w", err)
	}
	db, err := chromem.NewPersistentDB(dir, false)
	if err != nil {
		return nil, fmt.Errorf("open vector db: %w", err)
	}

	var embedder Embedder
	if cfg.EmbedBaseURL != "" {
		embedder = newOpenAIEmbedder(cfg.EmbedBaseURL, cfg.EmbedAPIKey, cfg.EmbedModel)
	} else {
		embedder = hashEmbedder{}
	}

	cacheSize := cfg.CacheSize
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	cache, err := lru.New[string, []Match](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create query cache: %w", err)
	}

	topK := cfg.TopK
	if topK <= 0 {
		topK = defaultTopK
	}

	ix := &Index{
		log:      log.WithFields(zap.String("component", "vsearch")),
		db:       db,
		embedder: embedder,
		cache:    cache,
		topK:     topK,
	}
	ix.col, err = db.GetOrCreateCollection(collectionName, nil, ix.embedFunc())
	if err != nil {
		return nil, fmt.Errorf("open collection: %w", err)
	}
	return ix, nil
}

func (ix *Index) embedFunc() chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		return ix.embedder.Embed(ctx, text)
	}
}

// Count reports how many chunks are indexed.
func (ix *Index) Count() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.col.Count()
}

// IndexWorkspace rebuilds the index from the files under root. The
// collection is recreated so chunks of deleted files do not linger.
func (ix *Index) IndexWorkspace(ctx context.Context, root string) (int, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if err := ix.db.DeleteCollection(collectionName); err != nil {
		return 0, fmt.Errorf("reset collection: %w", err)
	}
	col, err := ix.db.GetOrCreateCollection(collectionName, nil, ix.embedFunc())
	if err != nil {
		return 0, fmt.Errorf("recreate collection: %w", err)
	}
	ix.col = col
	ix.cache.Purge()

	chunks := 0
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !indexedExts[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		if info, err := d.Info(); err != nil || info.Size() > maxFileBytes {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		added, err := ix.indexFile(ctx, col, root, path)
		if err != nil {
			ix.log.Warn("index file failed", zap.String("path", path), zap.Error(err))
			return nil
		}
		chunks += added
		return nil
	})
	if err != nil {
		return chunks, err
	}

	ix.log.Info("workspace indexed", zap.String("root", root), zap.Int("chunks", chunks))
	return chunks, nil
}

func (ix *Index) indexFile(ctx context.Context, col *chromem.Collection, root, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	if bytes.IndexByte(data, 0) >= 0 {
		return 0, nil // binary
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		rel = path
	}

	added := 0
	lines := strings.Split(string(data), "\n")
	for start := 0; start < len(lines); start += chunkLines {
		end := start + chunkLines
		if end > len(lines) {
			end = len(lines)
		}
		content := strings.TrimSpace(strings.Join(lines[start:end], "\n"))
		if content == "" {
			continue
		}

		id := fmt.Sprintf("%x", sha256.Sum256([]byte(fmt.Sprintf("%s:%d", rel, start))))[:16]
		err := col.AddDocument(ctx, chromem.Document{
			ID:      id,
			Content: content,
			Metadata: map[string]string{
				"path":       rel,
				"start_line": strconv.Itoa(start + 1),
			},
		})
		if err != nil {
			return added, err
		}
		added++
	}
	return added, nil
}

// Search returns the top chunks for the query, most similar first.
func (ix *Index) Search(ctx context.Context, query string) ([]Match, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("empty query")
	}
	if cached, ok := ix.cache.Get(query); ok {
		return cached, nil
	}

	ix.mu.Lock()
	col := ix.col
	n := ix.topK
	if count := col.Count(); count < n {
		n = count
	}
	ix.mu.Unlock()
	if n == 0 {
		return nil, nil
	}

	results, err := col.Query(ctx, query, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query index: %w", err)
	}

	matches := make([]Match, 0, len(results))
	for _, r := range results {
		startLine, _ := strconv.Atoi(r.Metadata["start_line"])
		matches = append(matches, Match{
			Path:       r.Metadata["path"],
			StartLine:  startLine,
			Content:    r.Content,
			Similarity: r.Similarity,
		})
	}
	ix.cache.Add(query, matches)
	return matches, nil
}
