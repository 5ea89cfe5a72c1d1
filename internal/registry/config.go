package registry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tidwall/sjson"

	"github.com/dshills/plughost/internal/event"
	"github.com/dshills/plughost/internal/plugin"
)

// HotReloadKey is the config key that toggles hot reload for a plugin.
const HotReloadKey = "hotReload"

// ConfigPayload is published on the plugin-config-updated topic.
type ConfigPayload struct {
	Plugin string
	Config map[string]any
}

// UpdateConfig merges partial into the plugin's configuration. Keys may be
// dotted paths ("server.port") to update nested values. The merged config
// is offered to the plugin first if it is Configurable; a rejection leaves
// the current config unchanged. Otherwise it is stored and pushed into the
// plugin's context. The watcher is toggled only when the hotReload key
// changes the current setting.
func (r *Registry) UpdateConfig(ctx context.Context, name string, partial map[string]any) error {
	rec, err := r.get(name)
	if err != nil {
		return err
	}

	r.mu.RLock()
	current := plugin.CopyConfig(rec.config)
	hotReload := rec.hotReload
	caps := rec.caps
	r.mu.RUnlock()

	merged, err := mergeConfig(current, partial)
	if err != nil {
		return fmt.Errorf("update config for %q: %w", name, err)
	}

	toggle := false
	if v, ok := partial[HotReloadKey].(bool); ok && v != hotReload {
		hotReload = v
		toggle = true
	}

	// A rejected update leaves the previous config in place
	if c, ok := rec.plugin.(plugin.Configurable); ok && caps.CanConfigure {
		if err := c.Configure(ctx, plugin.CopyConfig(merged)); err != nil {
			r.logger.Warn("plugin rejected config update", "plugin", name, "error", err)
			return fmt.Errorf("configure plugin %q: %w", name, err)
		}
	}

	r.mu.Lock()
	rec.config = merged
	rec.hotReload = hotReload
	r.mu.Unlock()

	rec.ctx.SetConfig(merged)

	if toggle {
		if hotReload {
			r.watch(name, rec.manifest)
		} else if c := r.hotReload(); c != nil {
			c.Unwatch(name)
		}
	}

	r.logger.Info("plugin config updated", "plugin", name, "keys", len(partial))
	r.emitter.Emit(event.TopicPluginConfig, ConfigPayload{Plugin: name, Config: plugin.CopyConfig(merged)})
	return nil
}

// mergeConfig writes each key of partial into base as an sjson path.
func mergeConfig(base, partial map[string]any) (map[string]any, error) {
	if base == nil {
		base = map[string]any{}
	}
	doc, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}
	for key, value := range partial {
		doc, err = sjson.SetBytes(doc, key, value)
		if err != nil {
			return nil, fmt.Errorf("set %q: %w", key, err)
		}
	}
	out := make(map[string]any)
	if err := json.Unmarshal(doc, &out); err != nil {
		return nil, err
	}
	return out, nil
}
