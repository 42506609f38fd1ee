// Package challenge manages scoring targets: the immutable input
// datasets submissions are judged against, and a built-in default
// challenge generated on first start so a fresh install is usable
// without any provisioning.
package challenge

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jkaninda/arena/internal/domain"
)

// Dataset is a challenge input loaded into memory. The bytes are
// shared read-only across all evaluations; callers must not mutate.
type Dataset struct {
	Bytes  []byte
	Size   int64
	SHA256 string
}

// Catalog caches challenge datasets by ID. Datasets are immutable, so
// a cache hit never revalidates.
type Catalog struct {
	mu       sync.RWMutex
	datasets map[string]*Dataset
}

// NewCatalog creates an empty Catalog.
func NewCatalog() *Catalog {
	return &Catalog{datasets: make(map[string]*Dataset)}
}

// Load returns the dataset for a challenge, reading and verifying it
// on first use. The stored digest guards against the file changing
// underneath an existing leaderboard.
func (c *Catalog) Load(ch *domain.Challenge) (*Dataset, error) {
	c.mu.RLock()
	ds, ok := c.datasets[ch.ID]
	c.mu.RUnlock()
	if ok {
		return ds, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if ds, ok := c.datasets[ch.ID]; ok {
		return ds, nil
	}

	raw, err := os.ReadFile(ch.InputPath)
	if err != nil {
		return nil, fmt.Errorf("reading dataset for challenge %s: %w", ch.ID, err)
	}
	ds = &Dataset{Bytes: raw, Size: int64(len(raw)), SHA256: digest(raw)}
	if ch.InputSHA256 != "" && ds.SHA256 != ch.InputSHA256 {
		return nil, fmt.Errorf("dataset for challenge %s changed on disk: digest %s, recorded %s",
			ch.ID, ds.SHA256, ch.InputSHA256)
	}
	c.datasets[ch.ID] = ds
	return ds, nil
}

// DefaultID is the identifier of the built-in compression challenge.
const DefaultID = "compression-v1"

const defaultTitle = "Compression Challenge"

const defaultScoringRule = "score = len(compressed_data) + len(decompressor_code), lower is better"

const defaultDescription = `# Compression Challenge

Your goal is to compress the provided dataset to the smallest possible size,
while also providing code that can decompress it back to the original.

## Rules

1. Submit compressed data (any format you invent)
2. Submit Python decompressor code
3. Your code must define: ` + "`def decompress(data: bytes) -> bytes`" + `
4. The decompressed output must be byte-identical to the original
5. Your score is: ` + "`len(compressed_data) + len(decompressor_code)`" + `

## Constraints

- Decompressor must run within the sandbox time limit
- Decompressor must stay within the sandbox memory limit
- No imports; only the allow-listed builtins are available

## Scoring

Lower is better. The leaderboard ranks by total score.`

// EnsureDefault writes the built-in challenge dataset under dataDir if
// missing and returns its definition. The generated bytes are
// deterministic, so every install judges against the same input.
func EnsureDefault(dataDir string) (*domain.Challenge, error) {
	inputPath := filepath.Join(dataDir, DefaultID, "input.bin")

	raw, err := os.ReadFile(inputPath)
	if os.IsNotExist(err) {
		raw = GenerateDefaultDataset()
		if mkErr := os.MkdirAll(filepath.Dir(inputPath), 0750); mkErr != nil {
			return nil, fmt.Errorf("creating challenge directory: %w", mkErr)
		}
		if wrErr := os.WriteFile(inputPath, raw, 0640); wrErr != nil {
			return nil, fmt.Errorf("writing default dataset: %w", wrErr)
		}
	} else if err != nil {
		return nil, fmt.Errorf("reading default dataset: %w", err)
	}

	return &domain.Challenge{
		ID:          DefaultID,
		Title:       defaultTitle,
		Description: defaultDescription,
		ScoringRule: defaultScoringRule,
		InputPath:   inputPath,
		InputSize:   int64(len(raw)),
		InputSHA256: digest(raw),
		Active:      true,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

func digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
