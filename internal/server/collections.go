package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/gorhill/cronexpr"
	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/chatbridge/internal/helpers"
	"github.com/mohammad-safakhou/chatbridge/internal/queue/streams"
	"github.com/mohammad-safakhou/chatbridge/internal/store"
)

// CollectionStore is the persistence behind collection management.
type CollectionStore interface {
	CreateCollection(ctx context.Context, name, syncCron string) (store.Collection, error)
	GetCollection(ctx context.Context, id string) (store.Collection, bool, error)
	ListCollections(ctx context.Context) ([]store.Collection, error)
	UpsertTrainingItem(ctx context.Context, item store.TrainingItem) (string, error)
	GetSyncJob(ctx context.Context, id string) (store.SyncJob, bool, error)
}

// JobQueue hands store work to the workers. *worker.Queue satisfies it.
type JobQueue interface {
	EnqueueSync(ctx context.Context, collectionID, trigger string) (store.SyncJob, error)
	EnqueueReset(ctx context.Context, collectionID string, deleteStore bool) error
}

const maxItemsPerRequest = 500

type CollectionsHandler struct {
	Store CollectionStore
	Jobs  JobQueue
}

func (h *CollectionsHandler) Register(collections, jobs *echo.Group) {
	collections.POST("", h.create)
	collections.GET("", h.list)
	collections.PUT("/:id/items", h.upsertItems)
	collections.POST("/:id/sync", h.sync)
	collections.POST("/:id/reset", h.reset)
	collections.DELETE("/:id/vector-store", h.deleteStore)
	jobs.GET("/:id", h.job)
}

func (h *CollectionsHandler) create(c echo.Context) error {
	var req CreateCollectionRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name required")
	}
	if req.SyncCron != "" {
		if _, err := cronexpr.Parse(req.SyncCron); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid sync_cron: "+err.Error())
		}
	}
	col, err := h.Store.CreateCollection(c.Request().Context(), req.Name, req.SyncCron)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError).SetInternal(err)
	}
	return c.JSON(http.StatusCreated, collectionResponse(col))
}

func (h *CollectionsHandler) list(c echo.Context) error {
	cols, err := h.Store.ListCollections(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError).SetInternal(err)
	}
	out := make([]CollectionResponse, 0, len(cols))
	for _, col := range cols {
		out = append(out, collectionResponse(col))
	}
	return c.JSON(http.StatusOK, out)
}

// upsertItems stores prepared content. Changed content marks a synced item
// outdated; the next sync replaces its file.
func (h *CollectionsHandler) upsertItems(c echo.Context) error {
	col, err := h.collection(c)
	if err != nil {
		return err
	}
	var req UpsertItemsRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if len(req.Items) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "items required")
	}
	if len(req.Items) > maxItemsPerRequest {
		return echo.NewHTTPError(http.StatusBadRequest, "too many items in one request")
	}
	for i, it := range req.Items {
		switch it.Format {
		case "", "text":
		case "html":
			req.Items[i].Title = helpers.PlainText(it.Title)
			req.Items[i].Content = helpers.PlainText(it.Content)
		default:
			return echo.NewHTTPError(http.StatusBadRequest, "format must be text or html")
		}
		if strings.TrimSpace(it.ID) == "" || strings.TrimSpace(req.Items[i].Content) == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "every item needs an id and content")
		}
	}
	out := UpsertItemsResponse{Items: make([]ItemStatus, 0, len(req.Items))}
	for _, it := range req.Items {
		status, err := h.Store.UpsertTrainingItem(c.Request().Context(), store.TrainingItem{
			CollectionID: col.ID,
			ID:           it.ID,
			Title:        it.Title,
			Content:      it.Content,
		})
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError).SetInternal(err)
		}
		out.Items = append(out.Items, ItemStatus{ID: it.ID, Status: status})
	}
	return c.JSON(http.StatusOK, out)
}

func (h *CollectionsHandler) sync(c echo.Context) error {
	col, err := h.collection(c)
	if err != nil {
		return err
	}
	job, err := h.Jobs.EnqueueSync(c.Request().Context(), col.ID, streams.TriggerManual)
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "sync could not be queued").SetInternal(err)
	}
	return c.JSON(http.StatusAccepted, syncJobResponse(job))
}

func (h *CollectionsHandler) reset(c echo.Context) error {
	return h.enqueueReset(c, false)
}

func (h *CollectionsHandler) deleteStore(c echo.Context) error {
	return h.enqueueReset(c, true)
}

func (h *CollectionsHandler) enqueueReset(c echo.Context, deleteStore bool) error {
	col, err := h.collection(c)
	if err != nil {
		return err
	}
	if err := h.Jobs.EnqueueReset(c.Request().Context(), col.ID, deleteStore); err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "reset could not be queued").SetInternal(err)
	}
	action := "reset"
	if deleteStore {
		action = "delete"
	}
	return c.JSON(http.StatusAccepted, AcceptedResponse{CollectionID: col.ID, Action: action})
}

func (h *CollectionsHandler) job(c echo.Context) error {
	job, found, err := h.Store.GetSyncJob(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError).SetInternal(err)
	}
	if !found {
		return echo.NewHTTPError(http.StatusNotFound, "sync job not found")
	}
	return c.JSON(http.StatusOK, syncJobResponse(job))
}

func (h *CollectionsHandler) collection(c echo.Context) (store.Collection, error) {
	col, found, err := h.Store.GetCollection(c.Request().Context(), c.Param("id"))
	if err != nil {
		return store.Collection{}, echo.NewHTTPError(http.StatusInternalServerError).SetInternal(err)
	}
	if !found {
		return store.Collection{}, echo.NewHTTPError(http.StatusNotFound, "collection not found")
	}
	return col, nil
}

func collectionResponse(col store.Collection) CollectionResponse {
	return CollectionResponse{
		ID:            col.ID,
		Name:          col.Name,
		VectorStoreID: col.VectorStoreID,
		SyncCron:      col.SyncCron,
		CreatedAt:     col.CreatedAt,
	}
}

func syncJobResponse(j store.SyncJob) SyncJobResponse {
	out := SyncJobResponse{
		ID:           j.ID,
		CollectionID: j.CollectionID,
		Status:       j.Status,
		Total:        j.Total,
		Processed:    j.Processed,
		Errors:       j.Errors,
		LastError:    j.LastError,
		CreatedAt:    j.CreatedAt,
	}
	if !j.FinishedAt.IsZero() {
		f := j.FinishedAt
		out.FinishedAt = &f
	}
	return out
}
