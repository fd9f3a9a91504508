package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/manuroe/gagne-ton-papa/pieces"
)

// LogSolver logs each hand-off and keeps the last set.
type LogSolver struct {
	logger *zap.SugaredLogger

	mu   sync.Mutex
	last []int
}

func NewLogSolver(logger *zap.SugaredLogger) *LogSolver {
	return &LogSolver{logger: logger}
}

func (s *LogSolver) Solve(_ context.Context, ids []int) error {
	s.mu.Lock()
	s.last = append([]int(nil), ids...)
	s.mu.Unlock()

	s.logger.Infow("confirmed pieces", "piece_ids", ids, "cells", pieces.TotalCells(ids))
	return nil
}

func (s *LogSolver) Last() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.last...)
}

// Handoff is the document FileSolver writes.
type Handoff struct {
	PieceIDs    []int     `json:"piece_ids"`
	Cells       int       `json:"cells"`
	ConfirmedAt time.Time `json:"confirmed_at"`
}

// FileSolver writes each confirmed set as JSON for the solver to pick up.
// The file is replaced atomically.
type FileSolver struct {
	path string
	now  func() time.Time
}

func NewFileSolver(path string) *FileSolver {
	return &FileSolver{path: path, now: time.Now}
}

func (s *FileSolver) Solve(ctx context.Context, ids []int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(Handoff{
		PieceIDs:    ids,
		Cells:       pieces.TotalCells(ids),
		ConfirmedAt: s.now().UTC(),
	}, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode hand-off")
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".handoff-*")
	if err != nil {
		return errors.Wrap(err, "create hand-off file")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return errors.Wrap(err, "write hand-off file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close hand-off file")
	}
	return errors.Wrap(os.Rename(tmp.Name(), s.path), "publish hand-off file")
}
