package vectorstore

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"
)

// chromem names collection directories by the first 8 hex chars of a hash.
var collectionHashPattern = regexp.MustCompile(`^[a-f0-9]{8}$`)

const (
	quarantineDir    = ".quarantine"
	metadataFileName = "00000000.gob"
)

// OpenChromemDB opens a persistent chromem DB. A collection directory that
// holds documents but lost its metadata file makes chromem refuse to load
// the whole DB; such directories are moved to .quarantine and the load is
// retried once.
func OpenChromemDB(path string, compress bool, logger *zap.Logger) (*chromem.DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", path, err)
	}

	db, err := chromem.NewPersistentDB(path, compress)
	if err == nil {
		return db, nil
	}
	if !strings.Contains(err.Error(), "collection metadata file not found") {
		return nil, err
	}

	corrupt, findErr := findCorruptCollections(path, logger)
	if findErr != nil {
		logger.Error("failed to find corrupt collections", zap.Error(findErr))
		return nil, err
	}
	if len(corrupt) == 0 {
		return nil, err
	}

	qpath := filepath.Join(path, quarantineDir)
	if mkErr := os.MkdirAll(qpath, 0o755); mkErr != nil {
		return nil, fmt.Errorf("creating quarantine directory: %w", mkErr)
	}

	for _, hash := range corrupt {
		if !collectionHashPattern.MatchString(hash) {
			logger.Error("invalid collection hash format, skipping", zap.String("hash", hash))
			continue
		}
		src := filepath.Join(path, hash)
		dst := filepath.Join(qpath, hash)
		logger.Warn("quarantining corrupt collection",
			zap.String("collection_hash", hash),
			zap.String("to", dst),
		)
		if mvErr := os.Rename(src, dst); mvErr != nil {
			logger.Error("failed to quarantine collection", zap.String("collection_hash", hash), zap.Error(mvErr))
			RecordQuarantineResult(false)
			continue
		}
		RecordQuarantineResult(true)
	}

	db, err = chromem.NewPersistentDB(path, compress)
	if err != nil {
		return nil, fmt.Errorf("loading db after quarantine: %w", err)
	}
	logger.Info("chromem db loaded after quarantine", zap.Int("quarantined", len(corrupt)))
	return db, nil
}

// findCorruptCollections lists collection directories with document files
// but no metadata file.
func findCorruptCollections(path string, logger *zap.Logger) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("reading directory: %w", err)
	}

	var corrupt []string
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		dir := filepath.Join(path, entry.Name())
		if hasMetadata(dir) {
			continue
		}
		n, err := countDocumentFiles(dir)
		if err != nil {
			logger.Warn("failed to read collection directory", zap.String("collection_hash", entry.Name()), zap.Error(err))
			continue
		}
		if n > 0 {
			corrupt = append(corrupt, entry.Name())
		}
	}
	return corrupt, nil
}

func countDocumentFiles(dir string) (int, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, f := range files {
		name := strings.TrimSuffix(f.Name(), ".gz")
		if !f.IsDir() && strings.HasSuffix(name, ".gob") && name != metadataFileName {
			n++
		}
	}
	return n, nil
}

// hasMetadata reports whether a collection directory has its metadata file,
// compressed or not.
func hasMetadata(dir string) bool {
	for _, name := range []string{metadataFileName, metadataFileName + ".gz"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return true
		}
	}
	return false
}
