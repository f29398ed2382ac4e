package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/SAP-samples/apm-migration-tools/internal/model"
	"github.com/SAP-samples/apm-migration-tools/internal/store"
	"github.com/SAP-samples/apm-migration-tools/internal/target"
)

// Resolver maps a source (object, indicator) pair to the target's managed
// object and measuring node. Results — positive and negative — are cached in
// the status store; only transport failures are never cached. Concurrent
// lookups are bounded by a semaphore, and concurrent resolution of the same
// pair converges on the last successful writer.
type Resolver struct {
	store        *store.Store
	metadata     *target.MetadataClient
	equipmentMap map[string]string // optional source-id overrides
	sem          chan struct{}
	retry        model.RetryConfig
}

// NewResolver creates a resolver with at most lookupWorkers in-flight
// network lookups.
func NewResolver(st *store.Store, mc *target.MetadataClient, equipmentMap map[string]string, lookupWorkers int, retry model.RetryConfig) *Resolver {
	if lookupWorkers <= 0 {
		lookupWorkers = 20
	}
	if equipmentMap == nil {
		equipmentMap = map[string]string{}
	}
	return &Resolver{
		store:        st,
		metadata:     mc,
		equipmentMap: equipmentMap,
		sem:          make(chan struct{}, lookupWorkers),
		retry:        retry,
	}
}

// Resolve returns the identity mapping for a source object and indicator.
// Business absence (object unknown, metadata not synced, indicator missing)
// yields an unresolved mapping with a reason code, not an error; the caller
// must check Synced() before tagging data. Transport failures are returned
// as errors and leave the cache untouched.
func (r *Resolver) Resolve(ctx context.Context, objectID, indicatorID string) (model.IdentityMapping, error) {
	if m, ok, err := r.store.GetMapping(objectID, indicatorID); err != nil {
		return model.IdentityMapping{}, err
	} else if ok {
		return m, nil
	}

	select {
	case r.sem <- struct{}{}:
		defer func() { <-r.sem }()
	case <-ctx.Done():
		return model.IdentityMapping{}, ctx.Err()
	}

	// Another goroutine may have resolved the pair while we waited.
	if m, ok, err := r.store.GetMapping(objectID, indicatorID); err != nil {
		return model.IdentityMapping{}, err
	} else if ok {
		return m, nil
	}

	lookupID := objectID
	if override, ok := r.equipmentMap[objectID]; ok {
		lookupID = override
	}

	var ref *target.TechnicalObjectRef
	err := withRetry(ctx, r.retry, func() error {
		var lerr error
		ref, lerr = r.metadata.TechnicalObjectByThingID(ctx, lookupID)
		return lerr
	})
	if err != nil {
		return model.IdentityMapping{}, err
	}
	if ref == nil {
		return r.cacheUnresolved(objectID, indicatorID, model.ReasonObjectNotFound)
	}

	var sync *target.TechnicalObjectSync
	err = withRetry(ctx, r.retry, func() error {
		var lerr error
		sync, lerr = r.metadata.SyncStatus(ctx, *ref)
		return lerr
	})
	if err != nil {
		return model.IdentityMapping{}, err
	}
	if sync == nil {
		return r.cacheUnresolved(objectID, indicatorID, model.ReasonObjectNotFound)
	}
	if !strings.EqualFold(sync.TechnicalObjectSyncStatus, model.SyncStatusSynced) {
		return r.cacheUnresolved(objectID, indicatorID, model.ReasonMetadataNotSynced)
	}

	node, found := matchNode(sync.Indicators, indicatorID)
	if !found {
		return r.cacheUnresolved(objectID, indicatorID, model.ReasonIndicatorNotFound)
	}
	if !strings.EqualFold(node.SyncStatus, model.SyncStatusSynced) {
		return r.cacheUnresolved(objectID, indicatorID, model.ReasonMetadataNotSynced)
	}

	m := model.IdentityMapping{
		ObjectID:        objectID,
		IndicatorID:     indicatorID,
		TechnicalObject: ref.Number,
		ManagedObjectID: sync.ManagedObjectID,
		MeasuringNodeID: node.MeasuringNodeID,
		DataType:        strings.ToLower(node.DataType),
		SyncStatus:      model.SyncStatusSynced,
		ResolvedAt:      time.Now().UTC(),
	}
	if err := r.store.SaveMapping(m); err != nil {
		return model.IdentityMapping{}, err
	}
	return m, nil
}

func (r *Resolver) cacheUnresolved(objectID, indicatorID, reason string) (model.IdentityMapping, error) {
	m := model.IdentityMapping{
		ObjectID:    objectID,
		IndicatorID: indicatorID,
		SyncStatus:  model.SyncStatusUnresolved,
		Reason:      reason,
		ResolvedAt:  time.Now().UTC(),
	}
	if err := r.store.SaveMapping(m); err != nil {
		return model.IdentityMapping{}, err
	}
	return m, nil
}

func matchNode(nodes []target.MeasuringNode, indicatorID string) (target.MeasuringNode, bool) {
	for _, n := range nodes {
		if n.IndicatorID == indicatorID {
			return n, true
		}
	}
	return target.MeasuringNode{}, false
}
