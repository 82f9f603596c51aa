package xrpc

import (
	"net/http"

	"github.com/mlsds/mlsds/internal/apierror"
	"github.com/mlsds/mlsds/internal/apiutil"
)

type registerDeviceRequest struct {
	DeviceID    string `json:"deviceId"`
	DisplayName string `json:"displayName"`
}

func (s *Server) registerDevice(w http.ResponseWriter, r *http.Request) {
	device, err := callerDevice(r)
	if err != nil {
		apiutil.WriteError(w, s.Logger, err)
		return
	}

	var req registerDeviceRequest
	if !apiutil.DecodeJSON(w, s.Logger, r, &req) {
		return
	}
	if req.DeviceID == "" {
		apiutil.WriteError(w, s.Logger, apierror.New(apierror.Validation, apierror.CodeBadRequest, "deviceId is required"))
		return
	}

	if err := s.Store.RegisterDevice(r.Context(), device.UserDID, req.DeviceID, req.DisplayName); err != nil {
		apiutil.WriteError(w, s.Logger, err)
		return
	}
	apiutil.WriteJSON(w, http.StatusOK, map[string]string{"deviceId": req.DeviceID})
}

type deleteDeviceRequest struct {
	DeviceID string `json:"deviceId"`
}

func (s *Server) deleteDevice(w http.ResponseWriter, r *http.Request) {
	device, err := callerDevice(r)
	if err != nil {
		apiutil.WriteError(w, s.Logger, err)
		return
	}

	var req deleteDeviceRequest
	if !apiutil.DecodeJSON(w, s.Logger, r, &req) {
		return
	}
	if req.DeviceID == "" {
		req.DeviceID = device.DeviceID
	}

	if err := s.Store.DeleteDevice(r.Context(), device.UserDID, req.DeviceID); err != nil {
		apiutil.WriteError(w, s.Logger, err)
		return
	}
	apiutil.WriteNoContent(w)
}

func (s *Server) listDevices(w http.ResponseWriter, r *http.Request) {
	device, err := callerDevice(r)
	if err != nil {
		apiutil.WriteError(w, s.Logger, err)
		return
	}

	devices, err := s.Store.ListDevices(r.Context(), device.UserDID)
	if err != nil {
		apiutil.WriteError(w, s.Logger, err)
		return
	}
	apiutil.WriteJSON(w, http.StatusOK, map[string]any{"devices": devices})
}
