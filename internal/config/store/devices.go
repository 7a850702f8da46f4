package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/nupi-ai/voxgate/internal/constants"
	"github.com/nupi-ai/voxgate/internal/device"
	"github.com/nupi-ai/voxgate/internal/sanitize"
)

const deviceConfigColumns = `d.device_id, d.device_name, d.online, d.last_seen,
	c.voice_id, c.system_prompt, c.max_tokens, c.temperature, c.top_p,
	c.enable_mcp, c.enable_strands, c.enable_kb, c.enable_agents,
	c.kb_id, c.lambda_arn, c.tool_backends, c.chat_history`

// RegisterDevice marks the device online, creating it and its default
// configuration on first sight, and returns the current configuration.
func (s *Store) RegisterDevice(ctx context.Context, id device.Identity) (device.Config, error) {
	if err := s.ensureWritable(); err != nil {
		return device.Config{}, err
	}
	id.DeviceID = strings.TrimSpace(id.DeviceID)
	if id.DeviceID == "" {
		return device.Config{}, fmt.Errorf("store: device id required")
	}
	id.DeviceName = sanitize.DisplayName(id.DeviceName, constants.MaxDeviceNameRunes)
	if id.DeviceName == "" {
		id.DeviceName = device.DefaultName(id.DeviceID)
	}

	now := formatTime(s.now())
	defaults := device.DefaultConfig(id.DeviceID)
	backends, err := encodeJSON(defaults.ToolBackends, nullWhenEmptySlice[device.ToolBackend])
	if err != nil {
		return device.Config{}, fmt.Errorf("store: encode tool backends: %w", err)
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO devices (device_id, device_name, online, last_seen, created_at)
			 VALUES (?, ?, 1, ?, ?)
			 ON CONFLICT(device_id) DO UPDATE SET device_name = excluded.device_name, online = 1, last_seen = excluded.last_seen`,
			id.DeviceID, id.DeviceName, now, now,
		); err != nil {
			return fmt.Errorf("store: upsert device %s: %w", id.DeviceID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO device_configs (device_id, voice_id, system_prompt, max_tokens, temperature, top_p, tool_backends, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(device_id) DO NOTHING`,
			id.DeviceID, defaults.VoiceID, defaults.SystemPrompt, defaults.MaxTokens,
			defaults.Temperature, defaults.TopP, backends, now,
		); err != nil {
			return fmt.Errorf("store: insert default config for %s: %w", id.DeviceID, err)
		}
		return nil
	})
	if err != nil {
		return device.Config{}, err
	}

	return s.GetDeviceConfig(ctx, id.DeviceID)
}

// UnregisterDevice marks the device offline.
func (s *Store) UnregisterDevice(ctx context.Context, deviceID string) error {
	if err := s.ensureWritable(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE devices SET online = 0, last_seen = ? WHERE device_id = ?`,
		formatTime(s.now()), deviceID,
	)
	if err != nil {
		return fmt.Errorf("store: unregister device %s: %w", deviceID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return NotFoundError{Entity: "device", Key: deviceID}
	}
	return nil
}

// GetDeviceConfig loads the configuration snapshot for a device.
func (s *Store) GetDeviceConfig(ctx context.Context, deviceID string) (device.Config, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+deviceConfigColumns+`
		 FROM devices d JOIN device_configs c ON c.device_id = d.device_id
		 WHERE d.device_id = ?`,
		deviceID,
	)
	cfg, err := scanDeviceConfig(row)
	if errors.Is(err, sql.ErrNoRows) {
		return device.Config{}, NotFoundError{Entity: "device", Key: deviceID}
	}
	if err != nil {
		return device.Config{}, fmt.Errorf("store: get device config %s: %w", deviceID, err)
	}
	return cfg, nil
}

// UpdateDeviceConfig applies patch and returns the resulting configuration
// together with the names of the touched fields.
func (s *Store) UpdateDeviceConfig(ctx context.Context, deviceID string, patch device.Patch) (device.Config, []string, error) {
	if err := s.ensureWritable(); err != nil {
		return device.Config{}, nil, err
	}

	var (
		updated device.Config
		touched []string
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT `+deviceConfigColumns+`
			 FROM devices d JOIN device_configs c ON c.device_id = d.device_id
			 WHERE d.device_id = ?`,
			deviceID,
		)
		current, err := scanDeviceConfig(row)
		if errors.Is(err, sql.ErrNoRows) {
			return NotFoundError{Entity: "device", Key: deviceID}
		}
		if err != nil {
			return fmt.Errorf("store: load device config %s: %w", deviceID, err)
		}

		touched = patch.Apply(&current)
		if len(touched) == 0 {
			updated = current
			return nil
		}

		backends, err := encodeJSON(current.ToolBackends, nullWhenEmptySlice[device.ToolBackend])
		if err != nil {
			return fmt.Errorf("store: encode tool backends: %w", err)
		}
		history, err := encodeJSON(current.ChatHistory, nullWhenEmptyRaw)
		if err != nil {
			return fmt.Errorf("store: encode chat history: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE device_configs SET voice_id = ?, system_prompt = ?, max_tokens = ?, temperature = ?, top_p = ?,
			 enable_mcp = ?, enable_strands = ?, enable_kb = ?, enable_agents = ?, kb_id = ?, lambda_arn = ?,
			 tool_backends = ?, chat_history = ?, updated_at = ?
			 WHERE device_id = ?`,
			current.VoiceID, current.SystemPrompt, current.MaxTokens, current.Temperature, current.TopP,
			boolToInt(current.EnableMCP), boolToInt(current.EnableStrands), boolToInt(current.EnableKB), boolToInt(current.EnableAgents),
			current.KBID, current.LambdaARN, backends, history, formatTime(s.now()), deviceID,
		); err != nil {
			return fmt.Errorf("store: update device config %s: %w", deviceID, err)
		}

		if patch.DeviceName != nil {
			if _, err := tx.ExecContext(ctx,
				`UPDATE devices SET device_name = ? WHERE device_id = ?`,
				current.DeviceName, deviceID,
			); err != nil {
				return fmt.Errorf("store: rename device %s: %w", deviceID, err)
			}
		}

		updated = current
		return nil
	})
	if err != nil {
		return device.Config{}, nil, err
	}
	return updated, touched, nil
}

// ListDevices returns every known device with its configuration.
func (s *Store) ListDevices(ctx context.Context) ([]device.Config, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deviceConfigColumns+`
		 FROM devices d JOIN device_configs c ON c.device_id = d.device_id
		 ORDER BY d.device_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("store: list devices: %w", err)
	}
	return scanList(rows, scanDeviceConfig, "store: scan device", "store: iterate devices")
}

func scanDeviceConfig(scanner rowScanner) (device.Config, error) {
	var (
		cfg                                       device.Config
		online                                    int
		enableMCP, enableStrands, enableKB, agent int
		lastSeen, backends, history               sql.NullString
	)
	if err := scanner.Scan(
		&cfg.DeviceID, &cfg.DeviceName, &online, &lastSeen,
		&cfg.VoiceID, &cfg.SystemPrompt, &cfg.MaxTokens, &cfg.Temperature, &cfg.TopP,
		&enableMCP, &enableStrands, &enableKB, &agent,
		&cfg.KBID, &cfg.LambdaARN, &backends, &history,
	); err != nil {
		return device.Config{}, err
	}

	cfg.Online = online != 0
	cfg.LastSeen = parseTime(lastSeen)
	cfg.EnableMCP = enableMCP != 0
	cfg.EnableStrands = enableStrands != 0
	cfg.EnableKB = enableKB != 0
	cfg.EnableAgents = agent != 0

	decoded, err := DecodeJSON[[]device.ToolBackend](backends)
	if err != nil {
		return device.Config{}, fmt.Errorf("decode tool backends: %w", err)
	}
	if decoded == nil {
		decoded = []device.ToolBackend{}
	}
	cfg.ToolBackends = decoded

	if history.Valid && strings.TrimSpace(history.String) != "" {
		cfg.ChatHistory = []byte(history.String)
	}
	return cfg, nil
}
