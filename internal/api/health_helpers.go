package api

import (
	"context"
	"net/http"
	"time"
)

const healthCheckTimeout = 2 * time.Second

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

func (h *Handler) componentHealth(ctx context.Context) ([]componentStatus, string, int) {
	overallStatus := "ok"
	statusCode := http.StatusOK
	recordComponent := func(component string, err error) componentStatus {
		status := "ok"
		message := ""
		if err != nil {
			status = "degraded"
			message = err.Error()
			overallStatus = "degraded"
			statusCode = http.StatusServiceUnavailable
		}
		return componentStatus{Component: component, Status: status, Error: message}
	}

	components := make([]componentStatus, 0, len(h.Checks)+1)
	components = append(components, recordComponent("gateway", nil))
	for _, check := range h.Checks {
		if check.Ping == nil {
			continue
		}
		pingCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
		err := check.Ping(pingCtx)
		cancel()
		components = append(components, recordComponent(check.Component, err))
	}
	return components, overallStatus, statusCode
}
