package http

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jmehdipour/ingest-gateway/internal/model"
	"github.com/jmehdipour/ingest-gateway/internal/repository"
	echo "github.com/labstack/echo/v4"
)

func listEventsHandler(chRepo repository.CHEventsRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		f := repository.EventFilter{
			ProjectID: c.Param("project"),
			Limit:     50,
		}
		if v := c.QueryParam("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
				f.Limit = n
			}
		}
		if v := c.QueryParam("offset"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				f.Offset = n
			}
		}

		if raw := strings.TrimSpace(c.QueryParam("type")); raw != "" {
			typ, ok := model.ParseEventType(raw)
			if !ok {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid type")
			}
			f.Type = typ
		}
		if raw := strings.TrimSpace(c.QueryParam("level")); raw != "" {
			lvl := model.Level(strings.ToLower(raw))
			if !lvl.Valid() {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid level")
			}
			f.Level = lvl
		}
		if raw := strings.TrimSpace(c.QueryParam("since")); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid since")
			}
			f.Since = t
		}

		events, err := chRepo.ListByProject(c.Request().Context(), f)
		if err != nil {
			c.Logger().Errorf("clickhouse list failed: %v", err)

			return echo.NewHTTPError(http.StatusInternalServerError, "query failed")
		}

		return c.JSON(http.StatusOK, map[string]any{
			"limit":   f.Limit,
			"offset":  f.Offset,
			"count":   len(events),
			"results": events,
		})
	}
}
