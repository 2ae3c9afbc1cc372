package review

import (
	"context"
	"fmt"
	"time"

	"diffview/internal/errors"
	"diffview/internal/storage"
	"diffview/shared/types"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// Record is a locally stored review revision.
type Record struct {
	ID        string    `json:"id"`
	Root      string    `json:"root"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type recordEntity struct {
	*Record
}

func (r *recordEntity) GetID() string { return r.ID }

// LocalService is a ReviewService that keeps review revisions in a local
// badger store and links them by amending the head commit message. It
// stands in for a remote review service in single-machine setups and tests.
type LocalService struct {
	provider shared.RepositoryProvider
	records  *storage.BadgerStore
	parser   Parser
	baseURL  string
	logger   *zap.Logger
}

func NewLocalService(provider shared.RepositoryProvider, db *badger.DB, logger *zap.Logger) *LocalService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalService{
		provider: provider,
		records:  storage.NewBadgerStore(db, "review"),
		parser:   DefaultParser{},
		baseURL:  "local://reviews",
		logger:   logger,
	}
}

// SetBaseURL overrides the URL prefix stamped into commit messages.
func (s *LocalService) SetBaseURL(url string) {
	if url != "" {
		s.baseURL = url
	}
}

func emit(progress shared.ProgressFunc, level, text string) {
	if progress != nil {
		progress(shared.ProgressMessage{Level: level, Text: text})
	}
}

func (s *LocalService) repositoryFor(path string) (shared.Repository, error) {
	repo := s.provider.RepositoryForPath(path)
	if repo == nil {
		return nil, errors.External(fmt.Sprintf("no repository owns %s", path), nil)
	}
	return repo, nil
}

// CreateRevision allocates a new review, records the head commit message,
// and amends the head commit to reference the review.
func (s *LocalService) CreateRevision(ctx context.Context, path, excuse string, progress shared.ProgressFunc) error {
	repo, err := s.repositoryFor(path)
	if err != nil {
		return err
	}

	head, err := repo.HeadCommitMessage(ctx)
	if err != nil {
		return errors.External("fetching head commit message", err)
	}
	if ref := s.parser.Parse(head); ref != nil {
		return errors.External(fmt.Sprintf("head commit already references %s", ref.ID), nil)
	}

	n, err := s.records.NextSequence("revision")
	if err != nil {
		return errors.External("allocating review number", err)
	}
	id := fmt.Sprintf("D%d", n+1)
	url := fmt.Sprintf("%s/%s", s.baseURL, id)

	emit(progress, "log", fmt.Sprintf("Creating revision %s...", id))

	now := time.Now()
	rec := &Record{
		ID:        id,
		Root:      repo.ProjectRoot(),
		Message:   head,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.records.Create(&recordEntity{rec}); err != nil {
		return errors.External("storing review record", err)
	}

	// Stamp the reference onto the head commit so later publishes classify
	// as updates.
	amended := fmt.Sprintf("%s\n\nDifferential Revision: %s", head, url)
	if err := repo.Amend(ctx, amended, progress); err != nil {
		return errors.External("linking review to head commit", err)
	}

	emit(progress, "log", fmt.Sprintf("Created revision %s", id))
	s.logger.Info("review created", zap.String("id", id), zap.String("root", repo.ProjectRoot()))
	return nil
}

// UpdateRevision appends a new update message to the review referenced by
// the head commit.
func (s *LocalService) UpdateRevision(ctx context.Context, path, message string, allowUntracked bool, excuse string, progress shared.ProgressFunc) error {
	repo, err := s.repositoryFor(path)
	if err != nil {
		return err
	}

	head, err := repo.HeadCommitMessage(ctx)
	if err != nil {
		return errors.External("fetching head commit message", err)
	}
	ref := s.parser.Parse(head)
	if ref == nil {
		return errors.External("head commit references no review", nil)
	}

	emit(progress, "log", fmt.Sprintf("Updating revision %s...", ref.ID))

	rec := &Record{}
	if err := s.records.Get(ref.ID, &recordEntity{rec}); err != nil {
		return errors.External(fmt.Sprintf("loading review %s", ref.ID), err)
	}
	rec.Message = fmt.Sprintf("%s\n\n%s", rec.Message, message)
	rec.UpdatedAt = time.Now()
	if err := s.records.Update(&recordEntity{rec}); err != nil {
		return errors.External(fmt.Sprintf("storing review %s", ref.ID), err)
	}

	emit(progress, "log", fmt.Sprintf("Updated revision %s", ref.ID))
	s.logger.Info("review updated", zap.String("id", ref.ID), zap.Bool("allow_untracked", allowUntracked))
	return nil
}
