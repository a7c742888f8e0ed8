package storage

import (
	"context"

	"github.com/iudanet/causalrepo/internal/models"
)

//go:generate moq -out pending_mock.go . PendingStorage

// PendingStorage хранит локальные изменения ветки, не подтвержденные сервером.
// Они повторно отправляются при следующем подключении.
type PendingStorage interface {
	// AddPending appends atoms and removal hashes to the pending set of the branch
	AddPending(ctx context.Context, branch string, atoms []*models.Atom, removed []string) error

	// GetPending returns the pending changes of the branch; empty if there are none
	GetPending(ctx context.Context, branch string) (*Pending, error)

	// AckPending forgets atoms and removals whose hashes were acknowledged
	AckPending(ctx context.Context, branch string, hashes []string) error
}

// Pending - неподтвержденные изменения ветки
type Pending struct {
	Atoms   []*models.Atom `json:"atoms"`
	Removed []string       `json:"removed"`
}

// IsEmpty reports whether nothing is pending.
func (p *Pending) IsEmpty() bool {
	return p == nil || (len(p.Atoms) == 0 && len(p.Removed) == 0)
}

// Storage объединяет все хранилища клиента
type Storage interface {
	SessionStorage
	SiteStorage
	PendingStorage
	Close() error
}
