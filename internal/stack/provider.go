package stack

import (
	"diffview/shared/types"
	"diffview/shared/utils"
)

// StaticProvider serves a fixed set of stacks as a RepositoryProvider. The
// CLI opens its stacks up front, so the repository set never changes.
type StaticProvider struct {
	stacks []*Stack
}

func NewStaticProvider(stacks ...*Stack) *StaticProvider {
	return &StaticProvider{stacks: stacks}
}

func (p *StaticProvider) Repositories() []shared.Repository {
	repos := make([]shared.Repository, 0, len(p.stacks))
	for _, s := range p.stacks {
		repos = append(repos, s)
	}
	return repos
}

func (p *StaticProvider) RepositoryForPath(path string) shared.Repository {
	for _, s := range p.stacks {
		if utils.PathUnder(path, s.ProjectRoot()) {
			return s
		}
	}
	return nil
}

func (p *StaticProvider) OnDidChangeRepositories(func()) shared.Disposable {
	return shared.DisposeFunc(func() {})
}

// SourceFactory adapts stacks to the registry's factory contract. A stack
// is its own diff source.
func SourceFactory(repo shared.Repository, option shared.DiffOption) shared.DiffSource {
	s := repo.(*Stack)
	s.SetDiffOption(option)
	return s
}
