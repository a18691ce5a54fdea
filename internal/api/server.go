package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dgnsrekt/tabrelay/internal/cdpcontrol"
	"github.com/dgnsrekt/tabrelay/internal/registry"
	"github.com/dgnsrekt/tabrelay/internal/relay"
	"github.com/dgnsrekt/tabrelay/internal/state"
	"github.com/dgnsrekt/tabrelay/internal/types"
)

// Service is the relay as the status API drives it.
type Service interface {
	Snapshot() relay.Snapshot
	Enable(ctx context.Context) error
	Disable(ctx context.Context) error
}

// Badges reports per-tab visual state.
type Badges interface {
	TabStatus(tab types.TabID) types.Status
}

// TabInfo is one tracked tab with its badge.
type TabInfo struct {
	registry.Record
	Status             types.Status `json:"status"`
	AwaitingReannounce bool         `json:"awaiting_reannounce,omitempty"`
}

type statusOutput struct {
	Body relay.Snapshot
}

type tabsOutput struct {
	Body struct {
		Tabs []TabInfo `json:"tabs"`
	}
}

// Options configures optional parts of the server.
type Options struct {
	Badges Badges
	// Stream, when set, serves the live status stream at /api/v1/events.
	Stream Stream
}

func NewServer(svc Service, opts Options) http.Handler {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(requestLogger(svc))
	router.Use(middleware.Recoverer)

	api := humachi.New(router, huma.DefaultConfig("tabrelay status API", "1.0.0"))

	registerRelayHandlers(api, svc, opts.Badges)
	if opts.Stream != nil {
		registerEvents(api, opts.Stream)
	}

	return router
}

func registerRelayHandlers(api huma.API, svc Service, badges Badges) {
	type healthOutput struct {
		Body struct {
			Status string `json:"status"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "health", Method: http.MethodGet, Path: "/health", Summary: "Health check", Tags: []string{"Health"}},
		func(ctx context.Context, input *struct{}) (*healthOutput, error) {
			out := &healthOutput{}
			out.Body.Status = "ok"
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "get-status", Method: http.MethodGet, Path: "/api/v1/status", Summary: "Relay phase, broker connection and tracked tabs", Tags: []string{"Relay"}},
		func(ctx context.Context, input *struct{}) (*statusOutput, error) {
			return &statusOutput{Body: svc.Snapshot()}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "list-tabs", Method: http.MethodGet, Path: "/api/v1/tabs", Summary: "List tracked tabs with their badges", Tags: []string{"Relay"}},
		func(ctx context.Context, input *struct{}) (*tabsOutput, error) {
			out := &tabsOutput{}
			out.Body.Tabs = tabInfos(svc.Snapshot().Tabs, badges)
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "enable-relay", Method: http.MethodPost, Path: "/api/v1/enable", Summary: "Enable the relay and attach every open tab", Tags: []string{"Relay"}},
		func(ctx context.Context, input *struct{}) (*statusOutput, error) {
			if err := svc.Enable(ctx); err != nil {
				return nil, mapErr(err)
			}
			return &statusOutput{Body: svc.Snapshot()}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "disable-relay", Method: http.MethodPost, Path: "/api/v1/disable", Summary: "Disable the relay and detach every tab", Tags: []string{"Relay"}},
		func(ctx context.Context, input *struct{}) (*statusOutput, error) {
			if err := svc.Disable(ctx); err != nil {
				return nil, mapErr(err)
			}
			return &statusOutput{Body: svc.Snapshot()}, nil
		})
}

func tabInfos(records []registry.Record, badges Badges) []TabInfo {
	out := make([]TabInfo, 0, len(records))
	for _, rec := range records {
		info := TabInfo{Record: rec, AwaitingReannounce: rec.AwaitingReannounce()}
		switch {
		case badges != nil:
			info.Status = badges.TabStatus(rec.Tab)
		case rec.State == registry.StateConnected:
			info.Status = types.StatusOn
		default:
			info.Status = types.StatusConnecting
		}
		out = append(out, info)
	}
	return out
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, state.ErrBusy) {
		return huma.Error409Conflict(err.Error())
	}
	var coded *cdpcontrol.CodedError
	if errors.As(err, &coded) {
		switch coded.Code {
		case cdpcontrol.CodeTabNotFound:
			return huma.Error404NotFound(coded.Message)
		case cdpcontrol.CodeCDPUnavailable:
			return huma.Error502BadGateway(coded.Message)
		default:
			return huma.Error500InternalServerError(fmt.Sprintf("%s: %s", coded.Code, coded.Message))
		}
	}
	return huma.Error500InternalServerError(err.Error())
}
