package nn

import (
	"fmt"
	"io"
	"os"
	"sync/atomic"
)

// LayerStats summarizes one activation tensor.
type LayerStats struct {
	AvgActivation float32 `json:"avg"`
	MaxActivation float32 `json:"max"`
	MinActivation float32 `json:"min"`
	ActiveNeurons int     `json:"active"`
	TotalNeurons  int     `json:"total"`
	LayerType     string  `json:"layer_type"`
}

// LayerEvent is delivered to a LayerObserver after a forward pass.
type LayerEvent struct {
	LayerType   string     `json:"layer_type"`
	InputShape  []int      `json:"input_shape"`
	OutputShape []int      `json:"output_shape"`
	Stats       LayerStats `json:"stats"`
	Output      []float32  `json:"-"`
	StepCount   uint64     `json:"step"`
}

// LayerObserver receives activation statistics from layers that carry one.
type LayerObserver interface {
	OnForward(event LayerEvent)
}

// Observable is implemented by layers that report forward statistics.
type Observable interface {
	SetObserver(o LayerObserver)
}

// BuildEvent describes one stage of a model constructor: the shape that
// leaves it and a free-form note.
type BuildEvent struct {
	Component string
	Stage     string
	Shape     []int
	Detail    string
}

// BuildObserver receives construction-time diagnostics.
type BuildObserver interface {
	OnBuild(event BuildEvent)
}

var forwardSteps atomic.Uint64

// computeLayerStats calculates summary statistics for an activation slice
func computeLayerStats(data []float32, layerType string, threshold float32) LayerStats {
	if len(data) == 0 {
		return LayerStats{LayerType: layerType}
	}

	var sum float64
	max, min := data[0], data[0]
	activeCount := 0

	for _, v := range data {
		sum += float64(v)
		if v > max {
			max = v
		}
		if v < min {
			min = v
		}
		if v > threshold {
			activeCount++
		}
	}

	return LayerStats{
		AvgActivation: float32(sum / float64(len(data))),
		MaxActivation: max,
		MinActivation: min,
		ActiveNeurons: activeCount,
		TotalNeurons:  len(data),
		LayerType:     layerType,
	}
}

// notifyObserver sends a forward event to o if it is set.
func notifyObserver(o LayerObserver, layerType string, in, out *Tensor[float32]) {
	if o == nil {
		return
	}
	o.OnForward(LayerEvent{
		LayerType:   layerType,
		InputShape:  append([]int(nil), in.Shape...),
		OutputShape: append([]int(nil), out.Shape...),
		Stats:       computeLayerStats(out.Data, layerType, 0),
		Output:      out.Data,
		StepCount:   forwardSteps.Add(1),
	})
}

// ConsoleObserver prints build and forward events.
type ConsoleObserver struct {
	Verbose bool      // print small outputs in full
	Out     io.Writer // defaults to stdout
}

func (o *ConsoleObserver) writer() io.Writer {
	if o.Out == nil {
		return os.Stdout
	}
	return o.Out
}

func (o *ConsoleObserver) OnBuild(event BuildEvent) {
	fmt.Fprintf(o.writer(), "[BUILD] %s/%s: shape=%v", event.Component, event.Stage, event.Shape)
	if event.Detail != "" {
		fmt.Fprintf(o.writer(), " %s", event.Detail)
	}
	fmt.Fprintln(o.writer())
}

func (o *ConsoleObserver) OnForward(event LayerEvent) {
	fmt.Fprintf(o.writer(), "[FWD] %s %v -> %v: avg=%.4f max=%.4f active=%d/%d\n",
		event.LayerType, event.InputShape, event.OutputShape,
		event.Stats.AvgActivation, event.Stats.MaxActivation,
		event.Stats.ActiveNeurons, event.Stats.TotalNeurons)

	if o.Verbose && len(event.Output) <= 20 {
		fmt.Fprintf(o.writer(), "       Output: %v\n", event.Output)
	}
}

// NopObserver discards everything.
type NopObserver struct{}

func (NopObserver) OnBuild(BuildEvent)   {}
func (NopObserver) OnForward(LayerEvent) {}

// ChannelObserver sends events to Go channels (for internal processing)
type ChannelObserver struct {
	Events chan LayerEvent
	Builds chan BuildEvent
}

func NewChannelObserver(bufferSize int) *ChannelObserver {
	return &ChannelObserver{
		Events: make(chan LayerEvent, bufferSize),
		Builds: make(chan BuildEvent, bufferSize),
	}
}

func (o *ChannelObserver) OnForward(event LayerEvent) {
	select {
	case o.Events <- event:
	default:
		// Channel full, drop event to avoid blocking
	}
}

func (o *ChannelObserver) OnBuild(event BuildEvent) {
	select {
	case o.Builds <- event:
	default:
	}
}

// ReportBuild forwards an event to o when it is set.
func ReportBuild(o BuildObserver, component, stage string, shape []int, detail string) {
	if o == nil {
		return
	}
	o.OnBuild(BuildEvent{Component: component, Stage: stage, Shape: append([]int(nil), shape...), Detail: detail})
}
