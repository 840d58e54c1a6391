// Copyright Project Contour Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package openapi

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/Masterminds/semver/v3"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/flowplane/flowplane/internal/flowerrors"
	"github.com/flowplane/flowplane/internal/model"
	"github.com/flowplane/flowplane/internal/platformapi"
	"github.com/flowplane/flowplane/internal/store"
)

// Ingester is C9: it parses an OpenAPI document into a GatewayPlan and hands
// it to C6's Materializer, tracking shared clusters via cluster_references
// (invariant I4) instead of the materializer's own per-definition refcount
// scan, since a cluster's lifetime here is scoped to the import, not to one
// APIDefinition.
type Ingester struct {
	db           *store.DB
	materializer *platformapi.Materializer
	log          logrus.FieldLogger
}

func New(db *store.DB, materializer *platformapi.Materializer, log logrus.FieldLogger) *Ingester {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Ingester{db: db, materializer: materializer, log: log}
}

// IngestOptions carries the caller's placement choices; everything else is
// derived from the document itself.
type IngestOptions struct {
	Team              string
	SpecName          string
	ContentType       string
	Domain            string // overrides the server-derived virtual host domain
	ListenerIsolation bool
	IsolationListener *platformapi.IsolationListenerSpec
}

// IngestAction classifies what Ingest did relative to any prior import of
// the same (team, spec_name).
type IngestAction string

const (
	ActionCreated    IngestAction = "created"
	ActionNoop       IngestAction = "noop"
	ActionUpgraded   IngestAction = "upgraded"
	ActionDowngraded IngestAction = "downgraded"
	ActionReapplied  IngestAction = "reapplied" // re-imported, version unparseable/unchanged
)

// IngestResult is Ingest's output.
type IngestResult struct {
	Import  model.ImportMetadata
	Outcome *platformapi.MaterializationOutcome
	Action  IngestAction
}

// Ingest parses raw into an OpenAPI document, compiles it into a GatewayPlan,
// and materializes it through C6, deduplicating clusters across imports via
// cluster_references (spec.md §4.9). A second call for the same (team,
// spec_name) re-materializes from scratch against the existing
// APIDefinition; an identical checksum short-circuits as a no-op.
func (ing *Ingester) Ingest(ctx context.Context, opts IngestOptions, raw []byte) (*IngestResult, error) {
	doc, _, err := parseDocument(ctx, opts.ContentType, raw)
	if err != nil {
		return nil, err
	}
	checksum := checksumOf(raw)
	specVersion := doc.Info.Version

	prior, err := ing.db.ImportMetadata.GetBySpecName(ctx, opts.Team, opts.SpecName)
	switch {
	case err == nil && prior.SpecChecksum == checksum:
		return &IngestResult{Import: *prior, Action: ActionNoop}, nil
	case err != nil && !flowerrors.IsNotFound(err):
		return nil, err
	}

	plan, err := buildPlan(doc, opts)
	if err != nil {
		return nil, err
	}
	spec := ing.toAPIDefinitionSpec(opts, plan)

	var action IngestAction
	var outcome *platformapi.MaterializationOutcome
	var importRecord model.ImportMetadata

	if prior == nil {
		rec, cerr := ing.db.ImportMetadata.Create(ctx, &model.ImportMetadata{
			SpecName: opts.SpecName, SpecVersion: specVersion, SpecChecksum: checksum, Team: opts.Team,
		})
		if cerr != nil {
			return nil, cerr
		}
		importRecord = *rec
		spec.ImportID = &rec.ID
		outcome, err = ing.materializer.Create(ctx, spec)
		action = ActionCreated
	} else {
		action = classifyReimport(prior.SpecVersion, specVersion)
		spec.ImportID = &prior.ID
		def, ferr := ing.db.APIDefinitions.FindByImportID(ctx, prior.ID)
		if ferr != nil {
			return nil, ferr
		}
		outcome, err = ing.materializer.Update(ctx, def.ID, spec)
		if err == nil {
			prior.SpecVersion, prior.SpecChecksum = specVersion, checksum
			err = ing.db.ImportMetadata.Update(ctx, prior)
		}
		importRecord = *prior
	}
	if err != nil {
		return nil, err
	}

	if err := ing.resyncClusterReferences(ctx, importRecord.ID, outcome.GeneratedClusterIDs); err != nil {
		return nil, err
	}

	return &IngestResult{Import: importRecord, Outcome: outcome, Action: action}, nil
}

// DeleteImport tears down the APIDefinition an import produced, clears its
// cluster_references, and returns the ids of clusters left with zero
// references by anyone — orphans the caller (the admin surface, out of
// scope here) may choose to delete (spec.md §4.9: "import deletion
// decrements refcounts and returns orphaned cluster ids for caller to
// remove").
func (ing *Ingester) DeleteImport(ctx context.Context, importID string) ([]string, error) {
	imp, err := ing.db.ImportMetadata.GetByID(ctx, importID)
	if err != nil {
		return nil, err
	}

	if def, ferr := ing.db.APIDefinitions.FindByImportID(ctx, imp.ID); ferr == nil {
		if err := ing.materializer.Delete(ctx, def.ID); err != nil {
			return nil, err
		}
	} else if !flowerrors.IsNotFound(ferr) {
		return nil, ferr
	}

	refs, err := ing.db.ClusterReferences.ListForImport(ctx, imp.ID)
	if err != nil {
		return nil, err
	}

	var orphans []string
	err = ing.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := ing.db.ClusterReferences.DeleteForImport(ctx, tx, imp.ID); err != nil {
			return err
		}
		for _, ref := range refs {
			n, err := ing.db.ClusterReferences.CountReferences(ctx, ref.ClusterID)
			if err != nil {
				return err
			}
			if n == 0 {
				orphans = append(orphans, ref.ClusterID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := ing.db.ImportMetadata.Delete(ctx, imp.ID); err != nil {
		return nil, err
	}
	return orphans, nil
}

// resyncClusterReferences replaces every cluster_references row this import
// held with a fresh set reflecting the just-materialized GatewayPlan: a
// cluster used by N routes within this import gets refcount N, and a
// cluster the new version dropped loses its reference entirely (rather than
// lingering at a stale count), so CountReferences accurately answers
// "does anything still need this cluster" for both re-import and delete.
func (ing *Ingester) resyncClusterReferences(ctx context.Context, importID string, clusterIDs []string) error {
	return ing.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := ing.db.ClusterReferences.DeleteForImport(ctx, tx, importID); err != nil {
			return err
		}
		for _, id := range clusterIDs {
			if err := ing.db.ClusterReferences.Increment(ctx, tx, id, importID); err != nil {
				return err
			}
		}
		return nil
	})
}

func (ing *Ingester) toAPIDefinitionSpec(opts IngestOptions, plan *GatewayPlan) *platformapi.APIDefinitionSpec {
	return &platformapi.APIDefinitionSpec{
		Team: opts.Team, Domain: plan.Domain, ListenerIsolation: plan.ListenerIsolation,
		IsolationListener: plan.ListenerRequest, Routes: plan.RouteRequests,
		ClusterSource: model.SourceOpenAPI,
	}
}

func checksumOf(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// classifyReimport compares spec_version strings with semver; either side
// failing to parse (pre-release strings, missing version, non-semver specs)
// falls back to "reapplied" rather than guessing.
func classifyReimport(prior, next string) IngestAction {
	pv, perr := semver.NewVersion(prior)
	nv, nerr := semver.NewVersion(next)
	if perr != nil || nerr != nil {
		return ActionReapplied
	}
	switch {
	case nv.GreaterThan(pv):
		return ActionUpgraded
	case nv.LessThan(pv):
		return ActionDowngraded
	default:
		return ActionReapplied
	}
}
