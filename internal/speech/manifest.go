package speech

import "github.com/nupi-ai/voxgate/internal/device"

// Capability names advertised to the model.
const (
	ToolDate     = "getDateTool"
	ToolKB       = "getKbTool"
	ToolLocation = "getLocationTool"
	ToolWeather  = "externalAgent"
	ToolBooking  = "getBookingDetails"
)

// Input contracts, kept as the literal JSON strings the service expects.
const (
	emptySchema = `{"type": "object", "properties": {}, "required": []}`
	querySchema = `{"type": "object", "properties": {"query": {"type": "string"}}, "required": ["query"]}`
)

// InputSchema wraps a JSON schema document.
type InputSchema struct {
	JSON string `json:"json"`
}

// ToolSpec describes one capability.
type ToolSpec struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema InputSchema `json:"inputSchema"`
}

// ToolEntry is one element of the manifest's tools array.
type ToolEntry struct {
	ToolSpec ToolSpec `json:"toolSpec"`
}

// Manifest is the toolConfiguration block of a promptStart event.
type Manifest struct {
	Tools []ToolEntry `json:"tools"`
}

// Names lists the capability names in manifest order.
func (m Manifest) Names() []string {
	names := make([]string, len(m.Tools))
	for i, t := range m.Tools {
		names[i] = t.ToolSpec.Name
	}
	return names
}

// BuildManifest derives the capabilities for cfg. Order is fixed: date,
// knowledge base, configured backends, then location, weather and booking.
func BuildManifest(cfg device.Config) Manifest {
	tools := []ToolEntry{entry(ToolDate, "get information about the current day", emptySchema)}

	if cfg.EnableKB && cfg.KBID != "" {
		tools = append(tools, entry(ToolKB, "get information from knowledge base", querySchema))
	}

	for _, backend := range cfg.ToolBackends {
		if backend.ToolName == "" {
			continue
		}
		desc := backend.ToolDescription
		if desc == "" {
			desc = backend.Name
		}
		tools = append(tools, entry(backend.ToolName, desc, querySchema))
	}

	if cfg.EnableMCP {
		tools = append(tools, entry(ToolLocation, "Search for places and locations", querySchema))
	}
	if cfg.EnableStrands {
		tools = append(tools, entry(ToolWeather, "Get weather information", querySchema))
	}
	if cfg.EnableAgents && cfg.LambdaARN != "" {
		tools = append(tools, entry(ToolBooking, "Manage bookings and reservations", querySchema))
	}

	return Manifest{Tools: tools}
}

func entry(name, description, schema string) ToolEntry {
	return ToolEntry{ToolSpec: ToolSpec{
		Name:        name,
		Description: description,
		InputSchema: InputSchema{JSON: schema},
	}}
}
