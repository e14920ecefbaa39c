package control

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Setting sources in ascending precedence.
const (
	SourceUser    = "user"
	SourceProject = "project"
	SourceLocal   = "local"
	SourceSession = "session"
)

// PreviewPermissionsRequest asks what tool rules would be in force for an
// agent started in workingDir with the given sources applied.
type PreviewPermissionsRequest struct {
	WorkingDir          string   `json:"working_dir"`
	SettingSources      []string `json:"setting_sources"`
	SessionAllowedTools []string `json:"session_allowed_tools,omitempty"`
}

// PermissionRule is one allow or deny directive and where it came from.
type PermissionRule struct {
	Rule   string `json:"rule"`
	Source string `json:"source"`
}

// EffectivePermissions is the composed preview. A rule both allowed and
// denied ends up denied; the higher-precedence source wins attribution.
type EffectivePermissions struct {
	Allow []PermissionRule `json:"allow"`
	Deny  []PermissionRule `json:"deny"`
}

// agentSettings mirrors the permissions block of the agent's settings files.
type agentSettings struct {
	Permissions struct {
		Allow []string `json:"allow"`
		Deny  []string `json:"deny"`
	} `json:"permissions"`
}

// PreviewEffectivePermissions composes the allow/deny rule set from the
// selected setting sources plus the session's own allowed tools, without
// starting an agent.
func (c *Controller) PreviewEffectivePermissions(ctx context.Context, req PreviewPermissionsRequest) (*EffectivePermissions, error) {
	out := &EffectivePermissions{}
	allowSeen := map[string]int{} // rule -> index in out.Allow
	denySeen := map[string]bool{}

	addAllow := func(rule, source string) {
		if i, ok := allowSeen[rule]; ok {
			out.Allow[i].Source = source
			return
		}
		allowSeen[rule] = len(out.Allow)
		out.Allow = append(out.Allow, PermissionRule{Rule: rule, Source: source})
	}
	addDeny := func(rule, source string) {
		if denySeen[rule] {
			return
		}
		denySeen[rule] = true
		out.Deny = append(out.Deny, PermissionRule{Rule: rule, Source: source})
	}

	for _, source := range req.SettingSources {
		path, err := settingsPath(source, req.WorkingDir)
		if err != nil {
			return nil, &Error{Code: CodeBadRequest, Message: err.Error()}
		}
		settings, err := readSettings(path)
		if err != nil {
			return nil, wrap(err)
		}
		if settings == nil {
			continue
		}
		for _, rule := range settings.Permissions.Allow {
			addAllow(rule, source)
		}
		for _, rule := range settings.Permissions.Deny {
			addDeny(rule, source)
		}
	}
	for _, tool := range req.SessionAllowedTools {
		addAllow(tool, SourceSession)
	}

	// Denials trump allows from any source.
	filtered := out.Allow[:0]
	for _, rule := range out.Allow {
		if !denySeen[rule.Rule] {
			filtered = append(filtered, rule)
		}
	}
	out.Allow = filtered
	return out, nil
}

func settingsPath(source, workingDir string) (string, error) {
	switch source {
	case SourceUser:
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot resolve user settings: %s", err)
		}
		return filepath.Join(home, ".claude", "settings.json"), nil
	case SourceProject:
		return filepath.Join(workingDir, ".claude", "settings.json"), nil
	case SourceLocal:
		return filepath.Join(workingDir, ".claude", "settings.local.json"), nil
	default:
		return "", fmt.Errorf("unknown setting source %q", source)
	}
}

// readSettings loads one settings file. A missing file is not an error; the
// source simply contributes nothing.
func readSettings(path string) (*agentSettings, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var settings agentSettings
	if err := json.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return &settings, nil
}
