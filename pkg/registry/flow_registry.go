// Package registry manages the flow catalog: versioned storage, the
// draft/publish lifecycle, compiled graph caching, and trigger matching.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tcmartin/chatflow/pkg/flow"
	"github.com/tcmartin/chatflow/pkg/loader"
	"github.com/tcmartin/chatflow/pkg/logging"
	"github.com/tcmartin/chatflow/pkg/storage"
)

// ErrNotPublished is returned when a flow exists but has no published
// version to run.
var ErrNotPublished = errors.New("flow has no published version")

// FlowRegistry is the authority on flows. Writers go through the
// draft/publish lifecycle; the engine reads compiled graphs through the
// version-keyed cache, so a published version compiles exactly once.
type FlowRegistry struct {
	store  storage.FlowStore
	loader loader.Loader
	logger logging.Logger

	mu    sync.RWMutex
	cache map[string]*flow.Graph
}

// NewFlowRegistry creates a registry over a flow store.
func NewFlowRegistry(store storage.FlowStore, ld loader.Loader, logger logging.Logger) *FlowRegistry {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &FlowRegistry{
		store:  store,
		loader: ld,
		logger: logger,
		cache:  make(map[string]*flow.Graph),
	}
}

// CreateFlow stores YAML content as a new flow draft and returns its
// record. The content must parse, but graph validation is deferred to
// publish so drafts can be saved mid-edit.
func (r *FlowRegistry) CreateFlow(ctx context.Context, content []byte) (storage.FlowRecord, error) {
	def, err := r.loader.Parse(content)
	if err != nil {
		return storage.FlowRecord{}, err
	}

	now := time.Now().UTC()
	record := storage.FlowRecord{
		FlowID:      uuid.NewString(),
		Version:     "v1",
		Name:        def.Name,
		Description: def.Description,
		Source:      string(content),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := r.store.SaveFlow(ctx, record); err != nil {
		return storage.FlowRecord{}, fmt.Errorf("save flow: %w", err)
	}

	r.logger.Info("flow created",
		logging.F("flow_id", record.FlowID),
		logging.F("name", record.Name),
	)
	return record, nil
}

// UpdateFlow stores new YAML content for an existing flow. Published
// versions are immutable, so updating one opens a new draft version;
// updating a draft overwrites it in place.
func (r *FlowRegistry) UpdateFlow(ctx context.Context, flowID string, content []byte) (storage.FlowRecord, error) {
	def, err := r.loader.Parse(content)
	if err != nil {
		return storage.FlowRecord{}, err
	}

	versions, err := r.store.ListVersions(ctx, flowID)
	if err != nil {
		return storage.FlowRecord{}, err
	}
	latest := versions[len(versions)-1]

	record := latest
	if latest.Published {
		record.Version = nextVersion(latest.Version)
		record.Published = false
		record.CreatedAt = time.Now().UTC()
	}
	record.Name = def.Name
	record.Description = def.Description
	record.Source = string(content)
	record.UpdatedAt = time.Now().UTC()

	if err := r.store.SaveFlow(ctx, record); err != nil {
		return storage.FlowRecord{}, fmt.Errorf("save flow: %w", err)
	}

	r.logger.Info("flow updated",
		logging.F("flow_id", flowID),
		logging.F("version", record.Version),
	)
	return record, nil
}

// PublishFlow validates the latest version of a flow, compiles it, and
// marks it published. All definition errors surface here, so a published
// version is guaranteed runnable.
func (r *FlowRegistry) PublishFlow(ctx context.Context, flowID string) (storage.FlowRecord, error) {
	versions, err := r.store.ListVersions(ctx, flowID)
	if err != nil {
		return storage.FlowRecord{}, err
	}
	record := versions[len(versions)-1]

	graph, err := r.compile(record)
	if err != nil {
		return storage.FlowRecord{}, err
	}

	record.Published = true
	record.UpdatedAt = time.Now().UTC()
	if err := r.store.SaveFlow(ctx, record); err != nil {
		return storage.FlowRecord{}, fmt.Errorf("save flow: %w", err)
	}

	r.mu.Lock()
	r.cache[cacheKey(record.FlowID, record.Version)] = graph
	r.mu.Unlock()

	r.logger.Info("flow published",
		logging.F("flow_id", flowID),
		logging.F("version", record.Version),
	)
	return record, nil
}

// GetFlow returns one version of a flow; empty version resolves to the
// latest published version.
func (r *FlowRegistry) GetFlow(ctx context.Context, flowID, version string) (storage.FlowRecord, error) {
	return r.store.GetFlow(ctx, flowID, version)
}

// ListFlows returns the latest version of every flow.
func (r *FlowRegistry) ListFlows(ctx context.Context) ([]storage.FlowRecord, error) {
	return r.store.ListFlows(ctx)
}

// ListVersions returns every version of a flow, oldest first.
func (r *FlowRegistry) ListVersions(ctx context.Context, flowID string) ([]storage.FlowRecord, error) {
	return r.store.ListVersions(ctx, flowID)
}

// DeleteFlow removes a flow, all of its versions, and its cached graphs.
// Sessions pinned to a deleted flow error on their next event.
func (r *FlowRegistry) DeleteFlow(ctx context.Context, flowID string) error {
	if err := r.store.DeleteFlow(ctx, flowID); err != nil {
		return err
	}

	r.mu.Lock()
	for key := range r.cache {
		if strings.HasPrefix(key, flowID+"@") {
			delete(r.cache, key)
		}
	}
	r.mu.Unlock()
	return nil
}

// GraphForFlow resolves a compiled graph for the engine. Empty version
// means the current published version; the resolved version string is
// returned for pinning. Published versions are immutable, so cache entries
// never invalidate.
func (r *FlowRegistry) GraphForFlow(flowID, version string) (*flow.Graph, string, error) {
	ctx := context.Background()

	record, err := r.store.GetFlow(ctx, flowID, version)
	if errors.Is(err, storage.ErrFlowNotFound) && version == "" {
		return nil, "", fmt.Errorf("%w: %s", ErrNotPublished, flowID)
	}
	if err != nil {
		return nil, "", err
	}
	if !record.Published {
		return nil, "", fmt.Errorf("%w: %s@%s", ErrNotPublished, flowID, record.Version)
	}

	key := cacheKey(record.FlowID, record.Version)
	r.mu.RLock()
	graph, ok := r.cache[key]
	r.mu.RUnlock()
	if ok {
		return graph, record.Version, nil
	}

	graph, err = r.compile(record)
	if err != nil {
		return nil, "", err
	}

	r.mu.Lock()
	r.cache[key] = graph
	r.mu.Unlock()
	return graph, record.Version, nil
}

// MatchTrigger picks a flow for a first-contact message with no explicit
// flow. Keyword triggers need a whole-word match, contains triggers a
// substring match; both are case-insensitive. The first published flow
// with a matching trigger wins.
func (r *FlowRegistry) MatchTrigger(ctx context.Context, message string) (string, bool) {
	records, err := r.store.ListFlows(ctx)
	if err != nil {
		r.logger.Warn("trigger matching failed", logging.F("error", err.Error()))
		return "", false
	}

	lowered := strings.ToLower(message)
	words := strings.Fields(lowered)

	for _, record := range records {
		if !record.Published {
			continue
		}
		graph, _, err := r.GraphForFlow(record.FlowID, record.Version)
		if err != nil {
			continue
		}
		for _, trigger := range graph.Triggers {
			value := strings.ToLower(trigger.Value)
			switch trigger.Type {
			case "keyword":
				for _, word := range words {
					if word == value {
						return record.FlowID, true
					}
				}
			case "contains":
				if strings.Contains(lowered, value) {
					return record.FlowID, true
				}
			}
		}
	}
	return "", false
}

func (r *FlowRegistry) compile(record storage.FlowRecord) (*flow.Graph, error) {
	def, err := r.loader.Parse([]byte(record.Source))
	if err != nil {
		return nil, err
	}
	def.ID = record.FlowID
	return flow.Load(def)
}

func cacheKey(flowID, version string) string {
	return flowID + "@" + version
}

// nextVersion bumps "v3" to "v4". Unparseable versions get a ".1" suffix.
func nextVersion(version string) string {
	if strings.HasPrefix(version, "v") {
		if n, err := strconv.Atoi(version[1:]); err == nil {
			return "v" + strconv.Itoa(n+1)
		}
	}
	return version + ".1"
}
