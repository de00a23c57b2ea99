// Package project resolves a snapshot's project to the chain and RPC endpoint it reads from.
package project

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
	"k8s.io/apimachinery/pkg/util/validation/field"

	"github.com/Layr-Labs/asset-snapshots-go/pkg/config"
	"github.com/Layr-Labs/asset-snapshots-go/pkg/types"
)

var ErrProjectNotFound = errors.New("project not found")

type IProjectLookup interface {
	GetProject(ctx context.Context, id uuid.UUID) (*types.Project, error)
}

// StaticLookup serves a fixed set of projects, usually loaded from a YAML file.
type StaticLookup struct {
	projects map[uuid.UUID]*types.Project
}

var _ IProjectLookup = (*StaticLookup)(nil)

type projectEntry struct {
	Id      string `yaml:"id"`
	Name    string `yaml:"name"`
	ChainId uint64 `yaml:"chainId"`
	RpcUrl  string `yaml:"rpcUrl"`
}

type projectsFile struct {
	Projects []projectEntry `yaml:"projects"`
}

// NewStaticLookup copies projects into a lookup. Ids must be unique.
func NewStaticLookup(projects []*types.Project) (*StaticLookup, error) {
	byId := make(map[uuid.UUID]*types.Project, len(projects))
	for _, p := range projects {
		if _, exists := byId[p.Id]; exists {
			return nil, fmt.Errorf("duplicate project id %s", p.Id)
		}
		copied := *p
		byId[p.Id] = &copied
	}
	return &StaticLookup{projects: byId}, nil
}

// LoadStaticLookup reads a projects YAML file.
func LoadStaticLookup(path string) (*StaticLookup, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read projects file: %w", err)
	}
	return ParseStaticLookup(data)
}

// ParseStaticLookup parses and validates projects YAML.
func ParseStaticLookup(data []byte) (*StaticLookup, error) {
	var file projectsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse projects file: %w", err)
	}

	var allErrors field.ErrorList
	projects := make([]*types.Project, 0, len(file.Projects))
	for i, entry := range file.Projects {
		path := field.NewPath("projects").Index(i)

		id, err := uuid.Parse(entry.Id)
		if err != nil {
			allErrors = append(allErrors, field.Invalid(path.Child("id"), entry.Id, "must be a UUID"))
		}
		chainId := types.ChainId(entry.ChainId)
		if !config.IsSupportedChain(chainId) {
			allErrors = append(allErrors, field.NotSupported(path.Child("chainId"), entry.ChainId,
				strings.Split(config.GetSupportedChainIDsString(), ", ")))
		}
		if entry.RpcUrl == "" {
			allErrors = append(allErrors, field.Required(path.Child("rpcUrl"), "rpcUrl is required"))
		}

		projects = append(projects, &types.Project{
			Id:      id,
			Name:    entry.Name,
			ChainId: chainId,
			RpcUrl:  entry.RpcUrl,
		})
	}
	if len(allErrors) > 0 {
		return nil, allErrors.ToAggregate()
	}
	return NewStaticLookup(projects)
}

func (l *StaticLookup) GetProject(_ context.Context, id uuid.UUID) (*types.Project, error) {
	p, ok := l.projects[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProjectNotFound, id)
	}
	copied := *p
	return &copied, nil
}
