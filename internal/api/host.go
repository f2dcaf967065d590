package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/smazurov/vcapd/internal/api/models"
	"github.com/smazurov/vcapd/internal/host"
)

// DebugFSEntryInput selects one introspection entry.
type DebugFSEntryInput struct {
	Path string `query:"path" required:"true" example:"msm_ba_v4l2/video35" doc:"Entry path"`
}

func (s *Server) registerHostRoutes() {
	if s.host == nil {
		return
	}

	huma.Register(s.api, huma.Operation{
		OperationID: "list-nodes",
		Method:      http.MethodGet,
		Path:        "/api/nodes",
		Summary:     "List Nodes",
		Description: "List published device nodes",
		Tags:        []string{"host"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, func(_ context.Context, _ *struct{}) (*models.NodeListResponse, error) {
		nodes := s.host.Nodes.List()
		return &models.NodeListResponse{
			Body: models.NodeListData{Nodes: nodes, Count: len(nodes)},
		}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-topology",
		Method:      http.MethodGet,
		Path:        "/api/topology",
		Summary:     "Topology",
		Description: "List registered media topology entities",
		Tags:        []string{"host"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, func(_ context.Context, _ *struct{}) (*models.TopologyResponse, error) {
		return &models.TopologyResponse{
			Body: models.TopologyData{Entities: s.host.Graph.Entities()},
		}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "list-debugfs",
		Method:      http.MethodGet,
		Path:        "/api/debugfs",
		Summary:     "List Introspection Entries",
		Description: "List debugfs entry paths",
		Tags:        []string{"host"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, func(_ context.Context, _ *struct{}) (*models.DebugFSListResponse, error) {
		return &models.DebugFSListResponse{
			Body: models.DebugFSListData{Paths: s.host.Debug.Paths()},
		}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "read-debugfs",
		Method:      http.MethodGet,
		Path:        "/api/debugfs/entry",
		Summary:     "Read Introspection Entry",
		Description: "Render the snapshot of one debugfs entry",
		Tags:        []string{"host"},
		Security:    withAuth(),
		Errors:      []int{401, 404},
	}, func(_ context.Context, input *DebugFSEntryInput) (*models.DebugFSEntryResponse, error) {
		v, err := s.host.Debug.Read(input.Path)
		if errors.Is(err, host.ErrEntryNotFound) {
			return nil, huma.Error404NotFound(err.Error())
		}
		if err != nil {
			return nil, huma.Error500InternalServerError("read failed", err)
		}
		return &models.DebugFSEntryResponse{
			Body: models.DebugFSEntryData{Path: input.Path, Value: v},
		}, nil
	})
}
