package maps

import (
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/kadirpekel/geoassist/pkg/logger"
	"github.com/kadirpekel/geoassist/pkg/tables"
)

// Layer styles the tile renderer understands.
const (
	StyleLine = "line"
	StyleFill = "fill"
)

const maxZoom = 20

// layerState is one layer as the handler tracks it; export shapes are
// derived on demand.
type layerState struct {
	id      string
	table   tables.Table
	color   string
	style   string
	filters []Filter
}

// LayerStatus is the prompt-facing summary of one layer.
type LayerStatus struct {
	ID      string   `json:"id"`
	Table   string   `json:"table"`
	Color   string   `json:"color"`
	Style   string   `json:"style"`
	Filters []Filter `json:"filters"`
}

// FigureLayer is one layer as the map client consumes it.
type FigureLayer struct {
	SourceType  string   `json:"sourcetype"`
	Source      []string `json:"source"`
	SourceLayer string   `json:"sourcelayer"`
	Type        string   `json:"type"`
	Color       string   `json:"color"`
	Below       string   `json:"below"`
}

// Viewport frames the union of the layers' table bounds.
type Viewport struct {
	Bounds tables.Bounds `json:"bounds"`
	Center Center        `json:"center"`
	Zoom   float64       `json:"zoom"`
}

type Center struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Figure is the full map export for the transport layer.
type Figure struct {
	Layers   []FigureLayer `json:"layers"`
	Viewport Viewport      `json:"viewport"`
	Version  uint64        `json:"version"`
}

// Handler owns one session's map state. Layers keep insertion order; adding
// an existing id replaces that layer in place.
type Handler struct {
	mu      sync.Mutex
	layers  []layerState
	version uint64
	log     *slog.Logger
}

func NewHandler() *Handler {
	return &Handler{log: logger.With("maps")}
}

// AddLayer composes and records a layer spec. Filters render into the tile
// URL at export time, so the state keeps them raw.
func (h *Handler) AddLayer(table tables.Table, layerID, color string, filters []Filter, style string) (string, error) {
	if layerID == "" {
		return "", fmt.Errorf("layer id cannot be empty")
	}
	if style == "" {
		style = StyleLine
	}
	if style != StyleLine && style != StyleFill {
		return "", fmt.Errorf("unknown layer style %q", style)
	}
	for _, f := range filters {
		if err := f.Validate(); err != nil {
			return "", err
		}
	}

	state := layerState{
		id:      layerID,
		table:   table,
		color:   color,
		style:   style,
		filters: filters,
	}

	h.mu.Lock()
	replaced := false
	for i := range h.layers {
		if h.layers[i].id == layerID {
			h.layers[i] = state
			replaced = true
			break
		}
	}
	if !replaced {
		h.layers = append(h.layers, state)
	}
	h.version++
	h.mu.Unlock()

	h.log.Debug("Added map layer", "layer", layerID, "table", table.ID(), "replaced", replaced)
	return fmt.Sprintf("Added layer %s for table %s to the map", layerID, table.Name), nil
}

// RemoveLayer drops the layer. An unknown id leaves the map unchanged and
// reports the miss.
func (h *Handler) RemoveLayer(layerID string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i := range h.layers {
		if h.layers[i].id != layerID {
			continue
		}
		h.layers = append(h.layers[:i], h.layers[i+1:]...)
		h.version++
		h.log.Debug("Removed map layer", "layer", layerID)
		return fmt.Sprintf("Layer %s removed from the map", layerID), nil
	}
	return "", fmt.Errorf("layer %q is not on the map", layerID)
}

// Reset clears every layer.
func (h *Handler) Reset() string {
	h.mu.Lock()
	h.layers = nil
	h.version++
	h.mu.Unlock()

	h.log.Debug("Reset map to blank state")
	return "All layers removed, blank map initialized"
}

// Version increments on every state change; pollers use it to detect
// figure updates.
func (h *Handler) Version() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.version
}

// LayerIDs lists the current layer ids in order, for dynamic tool enums.
func (h *Handler) LayerIDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	ids := make([]string, 0, len(h.layers))
	for _, layer := range h.layers {
		ids = append(ids, layer.id)
	}
	return ids
}

// Status exports the ordered layer summary for the system prompt.
func (h *Handler) Status() []LayerStatus {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]LayerStatus, 0, len(h.layers))
	for _, layer := range h.layers {
		out = append(out, LayerStatus{
			ID:      layer.id,
			Table:   layer.table.Name,
			Color:   layer.color,
			Style:   layer.style,
			Filters: layer.filters,
		})
	}
	return out
}

// Figure exports the layers and viewport for the map client.
func (h *Handler) Figure() Figure {
	h.mu.Lock()
	defer h.mu.Unlock()

	layers := make([]FigureLayer, 0, len(h.layers))
	for _, layer := range h.layers {
		source := layer.table.TileURL
		if len(layer.filters) > 0 {
			source += "?filter=" + EncodeFilters(layer.filters)
		}
		layers = append(layers, FigureLayer{
			SourceType:  "vector",
			Source:      []string{source},
			SourceLayer: layer.table.Name,
			Type:        layer.style,
			Color:       layer.color,
			Below:       "traces",
		})
	}

	return Figure{
		Layers:   layers,
		Viewport: h.viewport(),
		Version:  h.version,
	}
}

// viewport is called with h.mu held.
func (h *Handler) viewport() Viewport {
	if len(h.layers) == 0 {
		return viewportFor(tables.WorldBounds)
	}

	bounds := h.layers[0].table.Bounds
	for _, layer := range h.layers[1:] {
		bounds = bounds.Union(layer.table.Bounds)
	}
	return viewportFor(bounds)
}

func viewportFor(b tables.Bounds) Viewport {
	span := math.Max(b.East-b.West, b.North-b.South)

	zoom := float64(maxZoom)
	if span > 0 {
		zoom = -math.Log2(span / 360)
		zoom = math.Max(0, math.Min(maxZoom, zoom))
	}

	return Viewport{
		Bounds: b,
		Center: Center{
			Lat: (b.South + b.North) / 2,
			Lon: (b.West + b.East) / 2,
		},
		Zoom: zoom,
	}
}
