package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/smazurov/vcapd/internal/api/models"
	"github.com/smazurov/vcapd/internal/vdev"
)

func (s *Server) registerDriverRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-driver",
		Method:      http.MethodGet,
		Path:        "/api/driver",
		Summary:     "Driver Status",
		Description: "Get the driver context, its policies and the attached device",
		Tags:        []string{"driver"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, func(_ context.Context, _ *struct{}) (*models.DriverResponse, error) {
		data := models.DriverData{Driver: vdev.DriverName}
		drv := s.module.Driver()
		if drv != nil {
			data.Created = true
			data.Minor = drv.Minor()
			data.DetachPolicy = string(drv.DetachPolicy())
			data.TopologyPolicy = string(drv.TopologyPolicy())
			for _, k := range drv.Dispatcher().Kinds() {
				data.RequestKinds = append(data.RequestKinds, string(k))
			}
			if dev := drv.Device(); dev != nil {
				snap := dev.Snapshot()
				data.Device = &snap
			}
		}
		return &models.DriverResponse{Body: data}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-device",
		Method:      http.MethodGet,
		Path:        "/api/device",
		Summary:     "Attached Device",
		Description: "Get a snapshot of the attached device and its sessions",
		Tags:        []string{"driver"},
		Security:    withAuth(),
		Errors:      []int{401, 404, 409},
	}, func(_ context.Context, _ *struct{}) (*models.DeviceResponse, error) {
		dev, err := s.attachedDevice()
		if err != nil {
			return nil, err
		}
		return &models.DeviceResponse{Body: dev.Snapshot()}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "attach-device",
		Method:      http.MethodPost,
		Path:        "/api/device/attach",
		Summary:     "Attach Device",
		Description: "Attach a platform device by hand, bypassing discovery",
		Tags:        []string{"driver"},
		Security:    withAuth(),
		Errors:      []int{401, 409, 500},
	}, func(_ context.Context, input *models.AttachRequest) (*models.DeviceResponse, error) {
		compatible := input.Body.Compatible
		if compatible == "" {
			compatible = "qcom,msm-ba"
		}
		dev, err := s.module.Attach(vdev.DiscoveryHandle{
			Name:       input.Body.Name,
			ID:         input.Body.ID,
			Compatible: compatible,
			Properties: input.Body.Properties,
		})
		if err != nil {
			return nil, statusError(err)
		}
		return &models.DeviceResponse{Body: dev.Snapshot()}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "detach-device",
		Method:      http.MethodPost,
		Path:        "/api/device/detach",
		Summary:     "Detach Device",
		Description: "Detach the attached device according to the detach policy",
		Tags:        []string{"driver"},
		Security:    withAuth(),
		Errors:      []int{401, 404, 409},
	}, func(_ context.Context, _ *struct{}) (*models.DetachResponse, error) {
		dev, err := s.attachedDevice()
		if err != nil {
			return nil, err
		}
		if err := s.module.Detach(dev); err != nil {
			return nil, statusError(err)
		}
		s.sessions.dropGeneration(dev.Generation())
		return &models.DetachResponse{
			Body: models.DetachData{
				Device:   dev.Handle().Name,
				Node:     dev.NodeName(),
				Detached: true,
			},
		}, nil
	})
}

func (s *Server) attachedDevice() (*vdev.Device, error) {
	drv := s.module.Driver()
	if drv == nil {
		return nil, huma.Error409Conflict("driver context not created")
	}
	dev := drv.Device()
	if dev == nil {
		return nil, huma.Error404NotFound("no device attached")
	}
	return dev, nil
}
