// Package store defines the persistence boundary of a rotation run.
//
// A Repository lists, fetches and updates the records of one category. It
// never creates or deletes records. Implementations return *errors.StoreError
// for every failure; a record that does not exist wraps ErrNotFound.
package store

import (
	"context"
	"errors"

	"github.com/systmms/rekey/pkg/entity"
)

// ErrNotFound is wrapped by the StoreError returned for a missing record.
var ErrNotFound = errors.New("record not found")

// Repository reads and writes the records of one category.
type Repository[T any] interface {
	// ListAll returns every record of the category in a stable order.
	ListAll(ctx context.Context) ([]T, error)

	// Get returns the persisted copy of the record with the given ID.
	Get(ctx context.Context, id string) (T, error)

	// Update replaces the persisted record that has the same ID.
	Update(ctx context.Context, record T) error
}

// ServiceRepository is the repository of one service category. Records it
// returns have ConnectionType set to the repository's discriminator.
type ServiceRepository interface {
	Repository[*entity.Service]

	// ConnectionType is the connection-configuration discriminator, e.g.
	// "DatabaseConnection".
	ConnectionType() string

	// ServiceCategory names the category, e.g. "databaseService".
	ServiceCategory() string
}

// Users, IngestionPipelines and Workflows are the non-service handles.
type (
	Users              = Repository[*entity.User]
	IngestionPipelines = Repository[*entity.IngestionPipeline]
	Workflows          = Repository[*entity.Workflow]
)
