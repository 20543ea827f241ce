package conversation

import (
	"context"
	"fmt"

	"github.com/mohammad-safakhou/chatbridge/internal/store"
)

// CollectionLookup finds the vector store currently bound to a collection.
type CollectionLookup interface {
	GetCollection(ctx context.Context, id string) (store.Collection, bool, error)
}

// StaticWidgets resolves widgets from configuration. Widgets bound to a
// collection pick up its vector store id at resolve time, so a store
// recreated by a sync is used without a restart.
type StaticWidgets struct {
	widgets     map[string]Widget
	collections CollectionLookup
}

func NewStaticWidgets(widgets []Widget, collections CollectionLookup) *StaticWidgets {
	m := make(map[string]Widget, len(widgets))
	for _, w := range widgets {
		if w.Mode == "" {
			w.Mode = store.ModeChat
		}
		m[w.ID] = w
	}
	return &StaticWidgets{widgets: m, collections: collections}
}

func (s *StaticWidgets) ResolveWidget(ctx context.Context, widgetID string) (Widget, error) {
	w, ok := s.widgets[widgetID]
	if !ok {
		return Widget{}, fmt.Errorf("%w: %q", ErrUnknownWidget, widgetID)
	}
	w.VectorStoreIDs = append([]string(nil), w.VectorStoreIDs...)
	if w.CollectionID == "" || s.collections == nil {
		return w, nil
	}
	col, found, err := s.collections.GetCollection(ctx, w.CollectionID)
	if err != nil {
		return Widget{}, fmt.Errorf("resolve widget %s collection: %w", widgetID, err)
	}
	if found && col.VectorStoreID != "" {
		w.VectorStoreIDs = append(w.VectorStoreIDs, col.VectorStoreID)
	}
	return w, nil
}
