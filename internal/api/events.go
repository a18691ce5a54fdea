package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"
	"github.com/google/uuid"

	"github.com/dgnsrekt/tabrelay/internal/status"
)

// Stream is the live status source behind /api/v1/events.
type Stream interface {
	Subscribe(feeds map[string]bool) (int64, <-chan status.Change, []status.Change, bool)
	Unsubscribe(id int64) int64
}

type eventsInput struct {
	Feeds string `query:"feeds" doc:"Comma separated feeds to receive (tab, relay). Empty means all."`
}

func registerEvents(api huma.API, stream Stream) {
	sse.Register(api, huma.Operation{
		OperationID: "status-events",
		Method:      http.MethodGet,
		Path:        "/api/v1/events",
		Summary:     "Stream tab badge and relay state changes",
		Description: "Starts with the current state, then one event per change. Live events carry a sequence id.",
		Tags:        []string{"Relay"},
	}, map[string]any{
		status.FeedTab:   status.TabEvent{},
		status.FeedRelay: status.RelayEvent{},
	}, func(ctx context.Context, input *eventsInput, send sse.Sender) {
		id, changes, snapshot, ok := stream.Subscribe(status.ParseFeeds(input.Feeds))
		if !ok {
			return
		}
		client := uuid.NewString()
		slog.Debug("status stream opened", "client_id", client, "feeds", input.Feeds)
		defer func() {
			dropped := stream.Unsubscribe(id)
			slog.Debug("status stream closed", "client_id", client, "dropped", dropped)
		}()

		for _, c := range snapshot {
			if err := send.Data(c.Payload()); err != nil {
				return
			}
		}
		for {
			select {
			case <-ctx.Done():
				return
			case c, open := <-changes:
				if !open {
					return
				}
				if err := send(sse.Message{ID: int(c.Seq()), Data: c.Payload()}); err != nil {
					return
				}
			}
		}
	})
}
