package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/payperplay/autopower/internal/events"
	"github.com/payperplay/autopower/internal/middleware"
)

// EventsHandler serves recent lifecycle events
type EventsHandler struct {
	bus *events.EventBus
}

func NewEventsHandler(bus *events.EventBus) *EventsHandler {
	return &EventsHandler{bus: bus}
}

// ListEvents handles GET /api/events?server=&type=&limit=
func (h *EventsHandler) ListEvents(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			middleware.HandleAppError(c, middleware.NewBadRequestError("limit must be a positive integer"))
			return
		}
		if n > 1000 {
			n = 1000
		}
		limit = n
	}

	filters := events.EventFilters{
		Server: c.Query("server"),
		Limit:  limit,
	}
	if raw := c.Query("type"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			filters.Types = append(filters.Types, events.EventType(strings.TrimSpace(t)))
		}
	}

	var list []events.Event
	if h.bus != nil {
		var err error
		list, err = h.bus.Query(filters)
		if err != nil {
			middleware.HandleAppError(c, middleware.NewInternalError(err))
			return
		}
	}
	if list == nil {
		list = []events.Event{}
	}

	c.JSON(http.StatusOK, gin.H{
		"events": list,
		"count":  len(list),
	})
}
