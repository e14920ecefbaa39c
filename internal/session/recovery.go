package session

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/legionhq/legion/internal/eventlog"
	"github.com/legionhq/legion/internal/state"
	v1 "github.com/legionhq/legion/pkg/api/v1"
)

// outstanding is what a log replay finds still unsettled: permission
// requests with no response and tool-uses with no terminal result.
type outstanding struct {
	perms []PermissionRequestPayload // in request order
	tools []string                   // tool_use_ids in use order
}

// replayOutstanding walks the records and reproduces the runtime's tracker
// state at the moment of the crash.
func replayOutstanding(records []eventlog.Record) outstanding {
	var out outstanding
	openTools := map[string]bool{}
	openPerms := map[string]bool{}

	for _, rec := range records {
		switch rec.Kind {
		case LogToolUse:
			var p ToolUsePayload
			if json.Unmarshal(rec.Payload, &p) == nil && p.ToolUseID != "" {
				openTools[p.ToolUseID] = true
				out.tools = append(out.tools, p.ToolUseID)
			}
		case LogToolResult:
			var p ToolResultPayload
			if json.Unmarshal(rec.Payload, &p) == nil {
				delete(openTools, p.ToolUseID)
			}
		case LogPermissionRequest:
			var p PermissionRequestPayload
			if json.Unmarshal(rec.Payload, &p) == nil && p.RequestID != "" {
				openPerms[p.RequestID] = true
				out.perms = append(out.perms, p)
				if p.ToolUseID != "" && !openTools[p.ToolUseID] {
					openTools[p.ToolUseID] = true
					out.tools = append(out.tools, p.ToolUseID)
				}
			}
		case LogPermissionResponse:
			var p PermissionResponsePayload
			if json.Unmarshal(rec.Payload, &p) == nil {
				delete(openPerms, p.RequestID)
			}
		}
	}

	// Filter the ordered slices down to what is still open.
	perms := out.perms[:0]
	for _, p := range out.perms {
		if openPerms[p.RequestID] {
			perms = append(perms, p)
		}
	}
	out.perms = perms
	tools := out.tools[:0]
	for _, id := range out.tools {
		if openTools[id] {
			tools = append(tools, id)
			openTools[id] = false // keep first occurrence only
		}
	}
	out.tools = tools
	return out
}

// Recover is the startup sweep. Any session a previous process left
// mid-turn is moved to terminated, and its log gains synthetic denials and
// cancellations so replays see complete lifecycles. Sessions that were not
// processing stay in their persisted state and remain resumable.
func (m *Manager) Recover(ctx context.Context) error {
	for _, ent := range m.store.ListAllSessions() {
		if !ent.Processing {
			continue
		}
		if err := m.recoverSession(ent); err != nil {
			m.logger.Error("session recovery failed",
				zap.String("session_id", ent.ID), zap.Error(err))
		}
	}
	return nil
}

func (m *Manager) recoverSession(ent *state.Session) error {
	log, err := eventlog.Open(m.store.SessionDir(ent.ID), m.logger)
	if err != nil {
		return fmt.Errorf("failed to open event log: %w", err)
	}
	defer log.Close()

	records, err := log.ReadAll()
	if err != nil {
		m.logger.Warn("partial event log read during recovery",
			zap.String("session_id", ent.ID), zap.Error(err))
	}
	open := replayOutstanding(records)

	for _, p := range open.perms {
		if _, err := log.Append(LogPermissionResponse, PermissionResponsePayload{
			RequestID: p.RequestID,
			ToolUseID: p.ToolUseID,
			Behavior:  v1.PermissionDeny,
			Message:   "recovered after restart",
			Synthetic: true,
		}); err != nil {
			return fmt.Errorf("failed to append synthetic denial: %w", err)
		}
	}
	for _, id := range open.tools {
		if _, err := log.Append(LogToolResult, ToolResultPayload{
			ToolUseID: id,
			Cancelled: true,
			Synthetic: true,
		}); err != nil {
			return fmt.Errorf("failed to append synthetic cancellation: %w", err)
		}
	}
	if !ent.IsTerminal() {
		if _, err := log.Append(LogStateChange, StateChangePayload{
			From:   ent.State,
			To:     v1.SessionStateTerminated,
			Reason: "recovered after restart",
		}); err != nil {
			return fmt.Errorf("failed to append recovery state change: %w", err)
		}
	}

	if _, err := m.store.PatchSession(ent.ID, -1, func(s *state.Session) error {
		if !s.IsTerminal() {
			s.State = v1.SessionStateTerminated
			s.ErrorMessage = "recovered after restart"
		}
		s.Processing = false
		return nil
	}); err != nil {
		return err
	}

	m.logger.Info("recovered session",
		zap.String("session_id", ent.ID),
		zap.Int("synthetic_denials", len(open.perms)),
		zap.Int("cancelled_tools", len(open.tools)))
	return nil
}
