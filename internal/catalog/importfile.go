package catalog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/pavelanni/examlink/internal/apperr"
	"github.com/pavelanni/examlink/internal/model"
)

// ImportResult reports the outcome of ImportFile.
type ImportResult struct {
	Topics  int  `json:"topics"`
	Skipped bool `json:"skipped"`
}

// ImportFile loads a JSON array of topics with inline questions. The file's sha256 is
// recorded under name, and a file whose content has not changed since the last import
// is skipped.
func (s *Service) ImportFile(ctx context.Context, adminID, name string, data []byte) (*ImportResult, error) {
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	stored, err := s.store.GetImportedFileHash(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("check import status: %w", err)
	}
	if stored == hash {
		slog.Info("file unchanged, skipping import", "file", name)
		return &ImportResult{Skipped: true}, nil
	}

	var topics []model.TopicImport
	if err := json.Unmarshal(data, &topics); err != nil {
		return nil, apperr.Validation("Invalid import file", err.Error())
	}
	n, err := s.ImportTopics(ctx, adminID, topics)
	if err != nil {
		return &ImportResult{Topics: n}, err
	}

	if err := s.store.SetImportedFileHash(ctx, name, hash); err != nil {
		slog.Error("failed to record import", "file", name, "error", err)
	}
	slog.Info("imported topics", "file", name, "count", n)
	return &ImportResult{Topics: n}, nil
}
