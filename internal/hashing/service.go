package hashing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"golang.org/x/sync/semaphore"
)

var ErrServiceClosed = errors.New("hashing service closed")

// Service stores known hash trees and hashes files in the background with a
// bounded number of workers.
type Service struct {
	fs     afero.Fs
	trees  *lru.Cache
	sem    *semaphore.Weighted
	Logger zerolog.Logger
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

func NewService(fs afero.Fs, log zerolog.Logger, cacheSize, workers int) (*Service, error) {
	trees, err := lru.New(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create tree cache: %w", err)
	}
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		fs:     fs,
		trees:  trees,
		sem:    semaphore.NewWeighted(int64(workers)),
		Logger: log,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

func (s *Service) AddTree(t *Tree) {
	s.trees.Add(t.Root, t)
}

func (s *Service) Tree(root Value) (*Tree, bool) {
	v, ok := s.trees.Get(root)
	if !ok {
		return nil, false
	}
	return v.(*Tree), true
}

// TreeInfo reports the block size of a stored tree.
func (s *Service) TreeInfo(root Value) (int64, bool) {
	t, ok := s.Tree(root)
	if !ok {
		return 0, false
	}
	return t.BlockSize, true
}

// HashFile hashes size bytes of path and stores the resulting tree.
func (s *Service) HashFile(ctx context.Context, path string, size int64) (*Tree, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.sem.Release(1)

	f, err := s.fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	start := time.Now()
	t, err := Build(f, size, BlockSizeFor(size))
	if err != nil {
		return nil, fmt.Errorf("failed to hash %s: %w", path, err)
	}
	s.AddTree(t)

	s.Logger.Debug().
		Str("path", path).
		Str("size", humanize.IBytes(uint64(size))).
		Dur("took", time.Since(start)).
		Str("root", t.Root.String()).
		Msg("File hashed")
	return t, nil
}

// RequestHash hashes path asynchronously and reports the result to done.
func (s *Service) RequestHash(path string, size int64, done func(*Tree, error)) {
	if s.ctx.Err() != nil {
		done(nil, ErrServiceClosed)
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t, err := s.HashFile(s.ctx, path, size)
		if err != nil && s.ctx.Err() != nil {
			err = ErrServiceClosed
		}
		done(t, err)
	}()
}

func (s *Service) Close() error {
	s.cancel()
	s.wg.Wait()
	return nil
}
