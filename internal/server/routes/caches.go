package routes

import (
	"errors"
	"sort"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/bubble-pop-frenzy/offline-shell/internal/cache"
	"github.com/bubble-pop-frenzy/offline-shell/internal/server"
	"github.com/bubble-pop-frenzy/offline-shell/internal/worker"
)

// RegisterCacheRoutes 暴露 /-/worker 与 /-/caches 诊断接口，供运维确认当前 worker 与缓存代。
func RegisterCacheRoutes(app *fiber.App, registry *server.OriginRegistry, reg *worker.Registration, storage cache.Storage) {
	if app == nil || reg == nil || storage == nil {
		return
	}

	app.Get("/-/worker", func(c fiber.Ctx) error {
		active := reg.Active()
		if active == nil {
			payload := fiber.Map{"error": "worker_not_active"}
			if scope := server.ScopeOf(c); scope != nil {
				payload["scope"] = scope.String()
			}
			return c.Status(fiber.StatusServiceUnavailable).JSON(payload)
		}
		return c.JSON(encodeWorker(active, registry))
	})

	app.Get("/-/caches", func(c fiber.Ctx) error {
		names, err := storage.Keys(c.Context())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_list_failed"})
		}
		current := ""
		if active := reg.Active(); active != nil {
			current = string(active.CacheName())
		}
		return c.JSON(fiber.Map{
			"caches":  names,
			"current": current,
		})
	})

	app.Get("/-/caches/:name", func(c fiber.Ctx) error {
		name := strings.TrimSpace(c.Params("name"))
		if name == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "cache_name_required"})
		}
		exists, err := storage.Has(c.Context(), name)
		if err != nil && !errors.Is(err, cache.ErrInvalidName) {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_lookup_failed"})
		}
		if !exists {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "cache_not_found"})
		}
		store, err := storage.Open(c.Context(), name)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_open_failed"})
		}
		reqs, err := store.Requests(c.Context())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_read_failed"})
		}
		payload := cacheDetailPayload{
			Name:    name,
			Sealed:  store.Sealed(),
			Entries: encodeEntries(reqs),
		}
		if active := reg.Active(); active != nil && string(active.CacheName()) == name {
			payload.Missing = missingAssets(active, reqs)
		}
		return c.JSON(payload)
	})
}

type workerPayload struct {
	ID        string               `json:"id"`
	CacheName string               `json:"cache_name"`
	State     string               `json:"state"`
	Scope     string               `json:"scope"`
	Install   worker.InstallReport `json:"install"`
	Failed    []string             `json:"failed,omitempty"`
	Routes    []routePayload       `json:"routes"`
}

type routePayload struct {
	Host        string `json:"host"`
	Upstream    string `json:"upstream"`
	CrossOrigin bool   `json:"cross_origin"`
	Port        int    `json:"port"`
}

type cacheDetailPayload struct {
	Name    string         `json:"name"`
	Sealed  bool           `json:"sealed"`
	Entries []entryPayload `json:"entries"`
	Missing []string       `json:"missing,omitempty"`
}

type entryPayload struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

func encodeWorker(active *worker.Worker, registry *server.OriginRegistry) workerPayload {
	report := active.Report()
	payload := workerPayload{
		ID:        active.ID(),
		CacheName: string(active.CacheName()),
		State:     active.State().String(),
		Scope:     active.Scope().String(),
		Install:   report,
		Routes:    encodeRoutes(registry.List()),
	}
	for _, failed := range report.Failed {
		payload.Failed = append(payload.Failed, failed.Request.URL)
	}
	return payload
}

func encodeRoutes(routes []server.OriginRoute) []routePayload {
	if len(routes) == 0 {
		return nil
	}
	result := make([]routePayload, 0, len(routes))
	for _, route := range routes {
		result = append(result, routePayload{
			Host:        route.Host,
			Upstream:    route.Upstream.String(),
			CrossOrigin: route.CrossOrigin,
			Port:        route.ListenPort,
		})
	}
	return result
}

func encodeEntries(reqs []cache.Request) []entryPayload {
	result := make([]entryPayload, 0, len(reqs))
	for _, req := range reqs {
		result = append(result, entryPayload{Method: req.NormalizedMethod(), URL: req.URL})
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].URL < result[j].URL
	})
	return result
}

// missingAssets 列出清单中未能写入当前 Store 的条目。
func missingAssets(active *worker.Worker, stored []cache.Request) []string {
	expected, err := active.Manifest().Requests(active.Scope())
	if err != nil {
		return nil
	}
	present := make(map[string]struct{}, len(stored))
	for _, req := range stored {
		present[req.Key()] = struct{}{}
	}
	var missing []string
	for _, req := range expected {
		if _, ok := present[req.Key()]; !ok {
			missing = append(missing, req.URL)
		}
	}
	return missing
}
