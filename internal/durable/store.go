// Package durable defines the external durable-store interface — the
// only two operations the control plane needs — plus a Postgres-backed
// implementation and an in-memory one for tests. The
// durable store is the single user-visible source of truth; everything
// else about how it is run (schema migration, backups, replication) is
// an external collaborator's concern.
package durable

import (
	"context"

	"github.com/itskum47/crucible/internal/evalmodel"
)

// Store is the narrow durable-store contract. Anything else the
// relational store might offer (listing, search, dashboards) belongs
// to the out-of-scope API gateway, not here.
type Store interface {
	UpsertEvaluation(ctx context.Context, e *evalmodel.Evaluation) error
	GetEvaluation(ctx context.Context, id string) (*evalmodel.Evaluation, error)
}

// ObjectStore externalizes output blobs larger than the configured
// threshold. A local-filesystem implementation is provided; S3/GCS are
// pluggable alternatives behind this same two-method interface.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte) (ref string, err error)
	Get(ctx context.Context, ref string) ([]byte, error)
}
