package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// RecipeConfig mirrors the recipe config JSON document.
type RecipeConfig struct {
	RecipeMonitorInfo RecipeMonitorInfo `json:"recipe_monitor_info"`
}

// RecipeMonitorInfo lists the request triggers and the gated modules.
type RecipeMonitorInfo struct {
	RecipeRequest []RecipeRequest `json:"recipe_request"`
	SingleModule  []SingleModule  `json:"single_module"`
}

// RecipeRequest binds one module's recipe handshake variables to the
// HTTP recipe service.
type RecipeRequest struct {
	// Module is the ModuleKey string, "blockId_index_category".
	Module string `json:"module"`
	// URI is the recipe service endpoint queried with recipeId.
	URI string `json:"uri"`

	RequestCode string `json:"request_node_path"`
	UpdateCode  string `json:"recipe_request_update"`
	IDCode      string `json:"recipe_request_id"`
	ResultCode  string `json:"recipe_request_result"`

	// WriteIDCode names the module variable that receives the recipe id
	// after a fully successful download.
	WriteIDCode string `json:"write_recipe_id,omitempty"`

	// MultiFlow requests carry a flowIndex query parameter and repeat the
	// final result write to tolerate one-way loss.
	MultiFlow bool `json:"multi_flow,omitempty"`
	FlowIndex int  `json:"flow_index,omitempty"`
}

// SingleModule identifies a module whose recipe writes are gated by a
// writable flag and a valid latch.
type SingleModule struct {
	Module       string `json:"module"`
	WritablePath string `json:"recipe_writable_path,omitempty"`
	ValidCode    string `json:"recipe_valid_code,omitempty"`
}

// LoadRecipeConfig reads and parses the recipe config JSON. A missing
// file is not an error; recipe monitoring is simply disabled.
func LoadRecipeConfig(path string) (*RecipeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &RecipeConfig{}, nil
		}
		return nil, fmt.Errorf("read recipe config: %w", err)
	}

	var cfg RecipeConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse recipe config: %w", err)
	}
	return &cfg, nil
}
