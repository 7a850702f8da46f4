package speech

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/nupi-ai/voxgate/internal/constants"
	"github.com/nupi-ai/voxgate/internal/device"
	"github.com/nupi-ai/voxgate/internal/protocol"
)

// startToolUse answers a toolUse request off the pump goroutine so output
// keeps flowing while the backend works.
func (s *Session) startToolUse(evt *protocol.Event) {
	name := evt.Str(protocol.KeyToolName)
	useID := evt.Str(protocol.KeyToolUseID)
	input := evt.Str(protocol.KeyContent)
	if name == "" || useID == "" {
		log.Printf("[Speech] device %s: toolUse without name or id", s.deviceID)
		return
	}

	s.mu.Lock()
	if s.closing || s.phase == PhaseClosed {
		s.mu.Unlock()
		return
	}
	cfg := s.cfg.Clone()
	s.toolWG.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.toolWG.Done()

		ctx, cancel := context.WithTimeout(s.toolCtx, constants.ToolBackendCallTimeout)
		result := ResolveTool(ctx, cfg, s.tools, name, input, s.now())
		cancel()

		if err := s.sendToolResult(s.toolCtx, useID, result); err != nil {
			log.Printf("[Speech] device %s: tool %s result: %v", s.deviceID, name, err)
		}
	}()
}

func (s *Session) sendToolResult(ctx context.Context, toolUseID string, result map[string]any) error {
	content, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing || !s.promptOpen {
		return nil
	}

	contentName := s.newID()
	resultCfg := map[string]any{
		protocol.KeyToolUseID:    toolUseID,
		protocol.KeyType:         protocol.ContentText,
		"textInputConfiguration": map[string]any{"mediaType": "text/plain"},
	}
	events := []*protocol.Event{
		protocol.NewEvent(protocol.EventContentStart, map[string]any{
			protocol.KeyPromptName:         s.promptName,
			protocol.KeyContentName:        contentName,
			"interactive":                  false,
			protocol.KeyType:               protocol.ContentTool,
			protocol.KeyRole:               protocol.RoleTool,
			"toolResultInputConfiguration": resultCfg,
		}),
		protocol.NewEvent(protocol.EventToolResult, map[string]any{
			protocol.KeyPromptName:  s.promptName,
			protocol.KeyContentName: contentName,
			protocol.KeyContent:     string(content),
		}),
		protocol.NewEvent(protocol.EventContentEnd, map[string]any{
			protocol.KeyPromptName:  s.promptName,
			protocol.KeyContentName: contentName,
		}),
	}
	for _, evt := range events {
		if err := s.send(ctx, evt); err != nil {
			return err
		}
	}
	return nil
}

// ResolveTool answers one capability advertised by BuildManifest.
func ResolveTool(ctx context.Context, cfg device.Config, tools ToolCaller, name, input string, now time.Time) map[string]any {
	switch {
	case strings.EqualFold(name, ToolDate):
		return dateResult(now)
	case strings.EqualFold(name, ToolKB),
		strings.EqualFold(name, ToolLocation),
		strings.EqualFold(name, ToolWeather),
		strings.EqualFold(name, ToolBooking):
		return map[string]any{"result": fmt.Sprintf("%s is not available", name)}
	}

	for _, backend := range cfg.ToolBackends {
		if backend.ToolName == "" || !strings.EqualFold(backend.ToolName, name) {
			continue
		}
		if tools == nil {
			return map[string]any{"result": fmt.Sprintf("%s is not available", name)}
		}
		parts := tools.Call(ctx, backend.Name, backend.ToolName, input)
		return map[string]any{"result": strings.Join(parts, "\n")}
	}

	return map[string]any{"error": fmt.Sprintf("unknown tool %s", name)}
}

func dateResult(now time.Time) map[string]any {
	return map[string]any{
		"date":      now.Format("2006-01-02"),
		"year":      now.Year(),
		"month":     int(now.Month()),
		"day":       now.Day(),
		"dayOfWeek": now.Weekday().String(),
		"time":      now.Format("15:04:05"),
		"timezone":  now.Location().String(),
	}
}
