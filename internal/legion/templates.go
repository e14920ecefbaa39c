package legion

import (
	_ "embed"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/legionhq/legion/internal/state"
	v1 "github.com/legionhq/legion/pkg/api/v1"
)

//go:embed templates.yaml
var defaultTemplateManifest []byte

type templateManifest struct {
	Templates []struct {
		Name           string   `yaml:"name"`
		AgentKind      string   `yaml:"agent_kind"`
		PermissionMode string   `yaml:"permission_mode"`
		AllowedTools   []string `yaml:"allowed_tools"`
		Model          string   `yaml:"model"`
		InitContext    string   `yaml:"init_context"`
	} `yaml:"templates"`
}

// SeedTemplates installs the built-in template catalogue. Templates whose
// names already exist are left alone, so operator edits survive restarts.
func (c *Coordinator) SeedTemplates() error {
	var manifest templateManifest
	if err := yaml.Unmarshal(defaultTemplateManifest, &manifest); err != nil {
		return fmt.Errorf("failed to parse template manifest: %w", err)
	}
	for _, entry := range manifest.Templates {
		if _, err := c.store.TemplateByName(entry.Name); err == nil {
			continue
		} else if !errors.Is(err, state.ErrNotFound) {
			return err
		}
		created, err := c.store.CreateTemplate(&state.Template{
			ID:             uuid.New().String(),
			Name:           entry.Name,
			AgentKind:      entry.AgentKind,
			PermissionMode: v1.PermissionMode(entry.PermissionMode),
			AllowedTools:   entry.AllowedTools,
			Model:          entry.Model,
			InitContext:    entry.InitContext,
		})
		if err != nil {
			return fmt.Errorf("failed to seed template %q: %w", entry.Name, err)
		}
		c.logger.Info("seeded template",
			zap.String("template_id", created.ID),
			zap.String("name", created.Name))
	}
	return nil
}
