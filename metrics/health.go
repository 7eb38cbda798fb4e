/***************************************************************
 *
 * Copyright (C) 2026, Pelican Project, Morgridge Institute for Research
 *
 * Licensed under the Apache License, Version 2.0 (the "License"); you
 * may not use this file except in compliance with the License.  You may
 * obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 ***************************************************************/

package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/pelicanplatform/diskpool/pool_structs"
)

type (
	// ComponentStatus is the API view of one component.
	ComponentStatus struct {
		Status     string `json:"status"`
		Message    string `json:"message,omitempty"`
		LastUpdate int64  `json:"last_update"`
	}

	HealthStatus struct {
		OverallStatus   string                     `json:"status"`
		ComponentStatus map[string]ComponentStatus `json:"components"`
	}

	HealthStatusEnum int

	HealthStatusComponent string

	componentHealth struct {
		status  HealthStatusEnum
		message string
		updated time.Time
	}
)

// Lower is worse; the overall status is the minimum over all components.
const (
	StatusCritical HealthStatusEnum = iota + 1
	StatusWarning
	StatusOK
	StatusUnknown
)

const statusIndexErrorMessage = "Error: status string index out of range"

const (
	Pool_Mode        HealthStatusComponent = "mode"         // pool mode as seen by doors
	Pool_Disk        HealthStatusComponent = "disk"         // data and metadata stores
	Pool_Manager     HealthStatusComponent = "pool-manager" // heartbeat delivery
	Pool_Hsm         HealthStatusComponent = "hsm"          // flush and restore scripts
	Pool_P2P         HealthStatusComponent = "p2p"          // data connection acceptor
	Pool_Billing     HealthStatusComponent = "billing"      // billing database
	Pool_ChecksumCrc HealthStatusComponent = "checksum-scanner"
	Server_WebUI     HealthStatusComponent = "web-ui"
)

var (
	healthMu   sync.RWMutex
	components = make(map[HealthStatusComponent]componentHealth)

	PoolHealthStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "diskpool_component_health_status",
		Help: "The health status of pool components (1 critical, 2 warning, 3 ok, 4 unknown)",
	}, []string{"component"})

	PoolHealthLastUpdate = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "diskpool_component_health_status_last_update",
		Help: "Unix time of the last health status change of a pool component",
	}, []string{"component"})
)

func (status HealthStatusEnum) String() string {
	switch status {
	case StatusCritical:
		return "critical"
	case StatusWarning:
		return "warning"
	case StatusOK:
		return "ok"
	case StatusUnknown:
		return "unknown"
	}
	return statusIndexErrorMessage
}

func (component HealthStatusComponent) String() string {
	return string(component)
}

// SetComponentHealthStatus records the status of a component and exports it.
func SetComponentHealthStatus(name HealthStatusComponent, state HealthStatusEnum, msg string) {
	now := time.Now()
	healthMu.Lock()
	components[name] = componentHealth{status: state, message: msg, updated: now}
	healthMu.Unlock()

	labels := prometheus.Labels{"component": name.String()}
	PoolHealthStatus.With(labels).Set(float64(state))
	PoolHealthLastUpdate.With(labels).Set(float64(now.Unix()))
}

func DeleteComponentHealthStatus(name HealthStatusComponent) {
	healthMu.Lock()
	delete(components, name)
	healthMu.Unlock()
	PoolHealthStatus.DeleteLabelValues(name.String())
	PoolHealthLastUpdate.DeleteLabelValues(name.String())
}

// ReportPoolMode maps a pool mode onto the mode component: enabled is ok,
// a strictly disabled or dead pool is critical and anything in between
// (read only, no staging, ...) is a warning.
func ReportPoolMode(mode pool_structs.PoolMode, msg string) {
	switch {
	case mode.IsEnabled():
		SetComponentHealthStatus(Pool_Mode, StatusOK, "")
	case mode.IsDisabled(pool_structs.ModeDisabledStrict):
		SetComponentHealthStatus(Pool_Mode, StatusCritical, msg)
	default:
		SetComponentHealthStatus(Pool_Mode, StatusWarning, mode.String()+": "+msg)
	}
}

func GetHealthStatus() HealthStatus {
	healthMu.RLock()
	defer healthMu.RUnlock()

	overall := StatusUnknown
	status := HealthStatus{ComponentStatus: make(map[string]ComponentStatus, len(components))}
	for name, c := range components {
		status.ComponentStatus[name.String()] = ComponentStatus{
			Status:     c.status.String(),
			Message:    c.message,
			LastUpdate: c.updated.Unix(),
		}
		if c.status < overall {
			overall = c.status
		}
	}
	status.OverallStatus = overall.String()
	return status
}
