package models

import (
	"encoding/json"
	"time"
)

// PublishedAPI is one flow published as an HTTP endpoint. The control plane
// writes these rows; the data plane only reads them.
type PublishedAPI struct {
	ID             string          `json:"id"`
	APIName        string          `json:"api_name"`
	EndpointPath   string          `json:"endpoint_path"`
	Version        int             `json:"version"`
	IsActive       bool            `json:"is_active"`
	FlowDefinition json.RawMessage `json:"flow_definition"`
	TriggerType    string          `json:"trigger_type"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}
