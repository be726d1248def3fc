package nn

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
)

// ModelBlueprint contains the structural information of a model: every
// parameter, grouped by its top-level component.
type ModelBlueprint struct {
	ID          string               `json:"id"`
	Device      string               `json:"device"`
	TotalParams int                  `json:"total_parameters"`
	Components  []ComponentTelemetry `json:"components"`
	Settings    map[string]any       `json:"settings,omitempty"`
}

// ComponentTelemetry summarizes one top-level sub-module.
type ComponentTelemetry struct {
	Name       string           `json:"name"`
	Parameters int              `json:"parameters"`
	Tensors    []ParamTelemetry `json:"tensors"`
}

// ParamTelemetry describes a single named parameter.
type ParamTelemetry struct {
	Name  string `json:"name"`
	Shape []int  `json:"shape"`
	Size  int    `json:"size"`
}

// ExtractBlueprint builds a blueprint for m.
func ExtractBlueprint(m Module, id string) ModelBlueprint {
	bp := ModelBlueprint{ID: id, Device: DeviceOf(m).String()}
	index := map[string]int{}
	for _, p := range m.Parameters() {
		component := p.Name
		if i := strings.IndexByte(p.Name, '.'); i >= 0 {
			component = p.Name[:i]
		}
		ci, ok := index[component]
		if !ok {
			ci = len(bp.Components)
			index[component] = ci
			bp.Components = append(bp.Components, ComponentTelemetry{Name: component})
		}
		size := p.Value.Size()
		bp.Components[ci].Tensors = append(bp.Components[ci].Tensors, ParamTelemetry{
			Name:  p.Name,
			Shape: append([]int(nil), p.Value.Shape...),
			Size:  size,
		})
		bp.Components[ci].Parameters += size
		bp.TotalParams += size
	}
	return bp
}

// WriteText prints a compact human-readable summary.
func (bp ModelBlueprint) WriteText(w io.Writer) {
	fmt.Fprintf(w, "model %s on %s: %d parameters\n", bp.ID, bp.Device, bp.TotalParams)
	if len(bp.Settings) > 0 {
		keys := make([]string, 0, len(bp.Settings))
		for k := range bp.Settings {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "  %-18s %v\n", k, bp.Settings[k])
		}
	}
	for _, c := range bp.Components {
		fmt.Fprintf(w, "  %-18s %10d params in %d tensors\n", c.Name, c.Parameters, len(c.Tensors))
	}
}

// JSON encodes the blueprint with indentation.
func (bp ModelBlueprint) JSON() ([]byte, error) {
	return json.MarshalIndent(bp, "", "  ")
}
