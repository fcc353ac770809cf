package api

import "fmt"

// TuneRequest starts one tuning session. Dimension fields accept either
// a number (static extent) or a string naming a shape variable bound by
// shape_vars/instances.
type TuneRequest struct {
	Workload string `json:"workload"`
	M        any    `json:"m,omitempty"`
	N        any    `json:"n,omitempty"`
	K        any    `json:"k,omitempty"`
	B        any    `json:"b,omitempty"`

	Target   string `json:"target,omitempty"`
	Hardware string `json:"hardware,omitempty"`

	ShapeVars []string  `json:"shape_vars,omitempty"`
	Instances [][]int64 `json:"instances,omitempty"`
	Weights   []float64 `json:"weights,omitempty"`

	Trials    int   `json:"trials,omitempty"`
	Seed      int64 `json:"seed,omitempty"`
	Efficient bool  `json:"efficient,omitempty"`
}

// TuneResponse acknowledges an accepted session.
type TuneResponse struct {
	ID     string        `json:"id"`
	Status SessionStatus `json:"status"`
}

// ResponseError mirrors the error envelope of the JSON API.
type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Param   string `json:"param,omitempty"`
}

// dimension coerces a JSON dimension value into (fixed size, var name).
func dimension(v any) (int64, string, error) {
	switch x := v.(type) {
	case nil:
		return 0, "", fmt.Errorf("missing dimension")
	case float64:
		if x < 1 {
			return 0, "", fmt.Errorf("dimension must be positive, got %v", x)
		}
		return int64(x), "", nil
	case string:
		if x == "" {
			return 0, "", fmt.Errorf("empty shape variable name")
		}
		return 0, x, nil
	default:
		return 0, "", fmt.Errorf("dimension must be a number or shape variable name, got %T", v)
	}
}
