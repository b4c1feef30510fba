package cartstore

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/mod/semver"

	"cartsync/internal/model"
)

// SchemaVersion is written into every persisted snapshot.
// Snapshots with a different major version are discarded on load.
const SchemaVersion = "v1.0.0"

type snapshot struct {
	Schema  string           `json:"schema"`
	Items   []model.LineItem `json:"items"`
	SavedAt time.Time        `json:"savedAt"`
}

func encodeSnapshot(items []model.LineItem, now time.Time) ([]byte, error) {
	if items == nil {
		items = []model.LineItem{}
	}
	return json.Marshal(snapshot{
		Schema:  SchemaVersion,
		Items:   items,
		SavedAt: now.UTC(),
	})
}

// decodeSnapshot returns the usable items of a persisted snapshot.
// An error means the whole snapshot must be discarded; individual
// items that fail validation are dropped and logged instead.
func decodeSnapshot(data []byte, logger *slog.Logger) ([]model.LineItem, error) {
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}

	if !semver.IsValid(snap.Schema) {
		return nil, fmt.Errorf("snapshot schema %q is not a version", snap.Schema)
	}
	if semver.Major(snap.Schema) != semver.Major(SchemaVersion) {
		return nil, fmt.Errorf("snapshot schema %s incompatible with %s", snap.Schema, SchemaVersion)
	}

	items := make([]model.LineItem, 0, len(snap.Items))
	for i, item := range snap.Items {
		if err := model.Validate(item); err != nil {
			logger.Warn("dropping persisted cart item",
				"index", i,
				"product_id", item.ProductID,
				"error", err,
			)
			continue
		}
		items = append(items, item)
	}
	return items, nil
}
